package router

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

// Params reflects a JSON schema for the arguments struct v. Fields without
// omitempty are required and unknown arguments are rejected.
func Params(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic("router: reflect params: " + err.Error())
	}
	return b
}

// InferSchema describes the structure of a JSON document. Arrays carry one
// merged item schema; objects list every property seen.
func InferSchema(data json.RawMessage) (*jsonschema.Schema, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return infer(v), nil
}

func infer(v any) *jsonschema.Schema {
	switch t := v.(type) {
	case nil:
		return &jsonschema.Schema{Type: "null"}
	case bool:
		return &jsonschema.Schema{Type: "boolean"}
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return &jsonschema.Schema{Type: "number"}
		}
		return &jsonschema.Schema{Type: "integer"}
	case string:
		return &jsonschema.Schema{Type: "string"}
	case []any:
		s := &jsonschema.Schema{Type: "array"}
		for _, item := range t {
			s.Items = merge(s.Items, infer(item))
		}
		return s
	case map[string]any:
		s := &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.Properties.Set(k, infer(t[k]))
		}
		s.Required = keys
		return s
	default:
		return &jsonschema.Schema{}
	}
}

// merge combines two schemas observed for the same location.
func merge(a, b *jsonschema.Schema) *jsonschema.Schema {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case len(a.AnyOf) > 0:
		return mergeAnyOf(a, b)
	case a.Type == b.Type:
		return mergeSame(a, b)
	case numeric(a) && numeric(b):
		return &jsonschema.Schema{Type: "number"}
	default:
		return mergeAnyOf(&jsonschema.Schema{AnyOf: []*jsonschema.Schema{a}}, b)
	}
}

func mergeSame(a, b *jsonschema.Schema) *jsonschema.Schema {
	switch a.Type {
	case "array":
		return &jsonschema.Schema{Type: "array", Items: merge(a.Items, b.Items)}
	case "object":
		out := &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
		for p := a.Properties.Oldest(); p != nil; p = p.Next() {
			other, _ := b.Properties.Get(p.Key)
			out.Properties.Set(p.Key, merge(p.Value, other))
		}
		for p := b.Properties.Oldest(); p != nil; p = p.Next() {
			if _, ok := out.Properties.Get(p.Key); !ok {
				out.Properties.Set(p.Key, p.Value)
			}
		}
		// A property is required only if every observed object has it.
		inB := make(map[string]bool, len(b.Required))
		for _, k := range b.Required {
			inB[k] = true
		}
		for _, k := range a.Required {
			if inB[k] {
				out.Required = append(out.Required, k)
			}
		}
		return out
	default:
		return a
	}
}

func mergeAnyOf(a, b *jsonschema.Schema) *jsonschema.Schema {
	out := &jsonschema.Schema{AnyOf: append([]*jsonschema.Schema(nil), a.AnyOf...)}
	candidates := []*jsonschema.Schema{b}
	if len(b.AnyOf) > 0 {
		candidates = b.AnyOf
	}
	for _, c := range candidates {
		merged := false
		for i, existing := range out.AnyOf {
			if existing.Type == c.Type || (numeric(existing) && numeric(c)) {
				out.AnyOf[i] = merge(existing, c)
				merged = true
				break
			}
		}
		if !merged {
			out.AnyOf = append(out.AnyOf, c)
		}
	}
	return out
}

func numeric(s *jsonschema.Schema) bool {
	return s.Type == "number" || s.Type == "integer"
}
