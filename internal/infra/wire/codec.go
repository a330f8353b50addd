package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	"agentd/internal/domain"
)

// DescriptorToWire converts a domain descriptor for transmission. Origin is
// deliberately dropped: the receiving side decides origin from the connection
// it arrived on.
func DescriptorToWire(d domain.CapabilityDescriptor) Descriptor {
	return Descriptor{
		Name:        d.Name,
		Description: d.Description,
		Kind:        string(d.Kind),
		InputSchema: paramsToSchema(d.Params),
	}
}

// DescriptorFromWire converts a received descriptor. Properties come back in
// name order because JSON objects carry no ordering.
func DescriptorFromWire(d Descriptor) domain.CapabilityDescriptor {
	kind := domain.CapabilityKind(d.Kind)
	if kind == "" {
		kind = domain.KindTool
	}
	return domain.CapabilityDescriptor{
		Name:        d.Name,
		Description: d.Description,
		Kind:        kind,
		Params:      schemaToParams(d.InputSchema),
	}
}

// DescriptorsToWire converts a listing.
func DescriptorsToWire(in []domain.CapabilityDescriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	for i, d := range in {
		out[i] = DescriptorToWire(d)
	}
	return out
}

// DescriptorsFromWire converts a received listing.
func DescriptorsFromWire(in []Descriptor) []domain.CapabilityDescriptor {
	out := make([]domain.CapabilityDescriptor, len(in))
	for i, d := range in {
		out[i] = DescriptorFromWire(d)
	}
	return out
}

func paramsToSchema(params []domain.Parameter) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(params)),
	}
	for _, p := range params {
		schema.Properties[p.Name] = &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	sort.Strings(schema.Required)
	return schema
}

func schemaToParams(schema *jsonschema.Schema) []domain.Parameter {
	if schema == nil || len(schema.Properties) == 0 {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]domain.Parameter, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		param := domain.Parameter{
			Name:     name,
			Type:     domain.TypeString,
			Required: required[name],
		}
		if prop != nil {
			if prop.Type != "" {
				param.Type = domain.ParamType(prop.Type)
			}
			param.Description = prop.Description
		}
		params = append(params, param)
	}
	return params
}

// HashDescriptor returns a deterministic content hash for one descriptor.
func HashDescriptor(d domain.CapabilityDescriptor) (string, error) {
	raw, err := json.Marshal(DescriptorToWire(d))
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashListing returns a deterministic hash over a whole listing, used as the
// listing ETag. Order matters: a reordered listing is a changed listing.
func HashListing(descriptors []domain.CapabilityDescriptor) (string, error) {
	hasher := sha256.New()
	for i, d := range descriptors {
		raw, err := json.Marshal(DescriptorToWire(d))
		if err != nil {
			return "", fmt.Errorf("marshal descriptor %d: %w", i, err)
		}
		hasher.Write(raw)
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ErrorBodyFrom converts an error into its wire shape using the taxonomy code
// when one is attached.
func ErrorBodyFrom(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	code := domain.CodeInvocation
	if mapped, ok := domain.CodeFrom(err); ok {
		code = mapped
	}
	return &ErrorBody{
		Code:    string(code),
		Message: err.Error(),
	}
}

// ErrorFromBody converts a received wire error back into a typed error.
func ErrorFromBody(op string, body *ErrorBody) error {
	if body == nil {
		return nil
	}
	code := domain.ErrorCode(body.Code)
	if code == "" {
		code = domain.CodeInvocation
	}
	return domain.E(code, op, body.Message, nil)
}
