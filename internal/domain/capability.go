package domain

import "context"

// CapabilityKind distinguishes what a descriptor exposes.
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
	KindPrompt   CapabilityKind = "prompt"
)

// ParamType is the declared type of a capability parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Parameter describes one named input of a capability.
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
}

// OriginKind identifies where a capability is hosted.
type OriginKind string

const (
	OriginLocal  OriginKind = "local"
	OriginRemote OriginKind = "remote"
)

// Origin names the source of a capability. Server is set for remote origins.
type Origin struct {
	Kind   OriginKind `json:"kind"`
	Server string     `json:"server,omitempty"`
}

// CapabilityDescriptor is the published contract of one capability.
// A name is immutable once published; a schema change is a new descriptor.
type CapabilityDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        CapabilityKind `json:"kind"`
	Params      []Parameter    `json:"params,omitempty"`
	Origin      Origin         `json:"origin"`
}

// CloneCapabilityDescriptor returns a deep copy so cached listings cannot be
// mutated through shared slices.
func CloneCapabilityDescriptor(d CapabilityDescriptor) CapabilityDescriptor {
	out := d
	if len(d.Params) > 0 {
		out.Params = make([]Parameter, len(d.Params))
		copy(out.Params, d.Params)
	}
	return out
}

// CloneCapabilityDescriptors deep-copies a listing.
func CloneCapabilityDescriptors(in []CapabilityDescriptor) []CapabilityDescriptor {
	if in == nil {
		return nil
	}
	out := make([]CapabilityDescriptor, len(in))
	for i, d := range in {
		out[i] = CloneCapabilityDescriptor(d)
	}
	return out
}

// CapabilityHandler executes a local capability.
type CapabilityHandler func(ctx context.Context, args map[string]any) (any, error)

// CapabilityManifest declares a local capability together with its handler.
type CapabilityManifest struct {
	Descriptor CapabilityDescriptor
	Handler    CapabilityHandler
	Tags       map[string]string
}
