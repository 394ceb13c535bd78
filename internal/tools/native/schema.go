package native

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	DoNotReference:             true,
	ExpandedStruct:             true,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
}

// schemaFor reflects the parameter schema of an argument struct.
func schemaFor(v any) json.RawMessage {
	s := reflector.Reflect(v)
	s.Version = ""
	s.ID = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// decodeArgs converts the generic argument map into a typed struct.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// typed adapts a strongly typed executor to Executor.
func typed[T any](fn func(ctx context.Context, args T, inv *Invocation) (string, error)) Executor {
	return func(ctx context.Context, raw map[string]any, inv *Invocation) (string, error) {
		var args T
		if err := decodeArgs(raw, &args); err != nil {
			return "", err
		}
		return fn(ctx, args, inv)
	}
}

// jsonResult encodes a tool result. Tool output is always a JSON document.
func jsonResult(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}

// errorResult is the {"error": ...} document returned for soft failures.
func errorResult(msg string) (string, error) {
	return jsonResult(map[string]string{"error": msg})
}
