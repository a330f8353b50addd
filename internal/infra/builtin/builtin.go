// Package builtin ships the local capabilities every daemon hosts out of the
// box. They double as live targets for connectivity checks.
package builtin

import (
	"context"
	"fmt"
	"os"
	"time"

	"agentd/internal/domain"
)

// Manifests returns the built-in capability set in stable order.
func Manifests() []domain.CapabilityManifest {
	return []domain.CapabilityManifest{
		echoManifest(),
		timeNowManifest(),
		envGetManifest(),
	}
}

func echoManifest() domain.CapabilityManifest {
	return domain.CapabilityManifest{
		Descriptor: domain.CapabilityDescriptor{
			Name:        "echo",
			Description: "Return the given text unchanged.",
			Kind:        domain.KindTool,
			Params: []domain.Parameter{
				{Name: "text", Type: domain.TypeString, Description: "Text to echo back.", Required: true},
			},
			Origin: domain.Origin{Kind: domain.OriginLocal},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			text, err := stringArg(args, "text")
			if err != nil {
				return nil, err
			}
			return text, nil
		},
		Tags: map[string]string{"group": "builtin"},
	}
}

func timeNowManifest() domain.CapabilityManifest {
	return domain.CapabilityManifest{
		Descriptor: domain.CapabilityDescriptor{
			Name:        "time.now",
			Description: "Current time in RFC 3339 format, UTC unless a location is given.",
			Kind:        domain.KindTool,
			Params: []domain.Parameter{
				{Name: "location", Type: domain.TypeString, Description: "IANA time zone name, e.g. Europe/Berlin."},
			},
			Origin: domain.Origin{Kind: domain.OriginLocal},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if name, ok := args["location"].(string); ok && name != "" {
				parsed, err := time.LoadLocation(name)
				if err != nil {
					return nil, domain.E(domain.CodeInvalidArgument, "builtin.time_now",
						fmt.Sprintf("unknown location %q", name), nil)
				}
				loc = parsed
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
		Tags: map[string]string{"group": "builtin"},
	}
}

func envGetManifest() domain.CapabilityManifest {
	return domain.CapabilityManifest{
		Descriptor: domain.CapabilityDescriptor{
			Name:        "env.get",
			Description: "Read an environment variable of the daemon process.",
			Kind:        domain.KindResource,
			Params: []domain.Parameter{
				{Name: "name", Type: domain.TypeString, Description: "Variable name.", Required: true},
			},
			Origin: domain.Origin{Kind: domain.OriginLocal},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return nil, err
			}
			value, ok := os.LookupEnv(name)
			if !ok {
				return nil, domain.E(domain.CodeNotFound, "builtin.env_get",
					fmt.Sprintf("environment variable %q is not set", name), nil)
			}
			return value, nil
		},
		Tags: map[string]string{"group": "builtin"},
	}
}

func stringArg(args map[string]any, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", domain.E(domain.CodeInvalidArgument, "builtin",
			fmt.Sprintf("missing required argument %q", name), nil)
	}
	value, ok := raw.(string)
	if !ok {
		return "", domain.E(domain.CodeInvalidArgument, "builtin",
			fmt.Sprintf("argument %q must be a string", name), nil)
	}
	return value, nil
}
