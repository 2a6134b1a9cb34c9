package control

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/netintent/netintent/pkg/orchestrator"
	"gopkg.in/yaml.v3"
)

// Intent formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// NormalizedIntent is an intent reduced to canonical JSON.
type NormalizedIntent struct {
	// Canonical is the intent as JSON with sorted keys.
	Canonical []byte

	// Document is the decoded mapping handed to admission policies.
	Document map[string]any

	// Digest is the sha256 digest of Canonical. Equal intents have equal digests
	// regardless of format, key order or whitespace.
	Digest string
}

// NormalizeIntent parses raw as format and checks it is a non-empty mapping.
func NormalizeIntent(raw []byte, format string) (*NormalizedIntent, error) {
	var doc any
	switch format {
	case FormatYAML, "":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, malformedIntent("intent is not valid YAML", err)
		}
		converted, err := jsonCompatible(doc)
		if err != nil {
			return nil, malformedIntent("intent is not representable as JSON", err)
		}
		doc = converted
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, malformedIntent("intent is not valid JSON", err)
		}
		if dec.More() {
			return nil, malformedIntent("intent has trailing data after the JSON document", nil)
		}
	default:
		return nil, orchestrator.NewValidationError(fmt.Sprintf("unsupported intent format %q", format), nil).
			WithCode(orchestrator.CodeMalformedIntent)
	}

	mapping, ok := doc.(map[string]any)
	if !ok {
		return nil, malformedIntent("intent must be a mapping", nil)
	}
	if len(mapping) == 0 {
		return nil, malformedIntent("intent must not be empty", nil)
	}

	canonical, err := json.Marshal(mapping)
	if err != nil {
		return nil, malformedIntent("failed to encode intent", err)
	}

	return &NormalizedIntent{
		Canonical: canonical,
		Document:  mapping,
		Digest:    Digest(canonical),
	}, nil
}

// Digest returns the sha256 content digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func malformedIntent(msg string, err error) error {
	return orchestrator.NewValidationError(msg, err).WithCode(orchestrator.CodeMalformedIntent)
}

// jsonCompatible rewrites YAML mappings with non-string keys into string-keyed maps.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			converted, err := jsonCompatible(child)
			if err != nil {
				return nil, err
			}
			t[k] = converted
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			converted, err := jsonCompatible(child)
			if err != nil {
				return nil, err
			}
			key := fmt.Sprint(k)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("duplicate key %q after conversion", key)
			}
			out[key] = converted
		}
		return out, nil
	case []any:
		for i, child := range t {
			converted, err := jsonCompatible(child)
			if err != nil {
				return nil, err
			}
			t[i] = converted
		}
		return t, nil
	default:
		return v, nil
	}
}
