package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var fenceRe = regexp.MustCompile("```(?:json)?")

// Parse is the strict parse: it extracts the JSON payload (from a markdown
// code fence when present), validates it against the schema and decodes it.
// It has no side effects.
func Parse(raw string) (*Descriptor, error) {
	payload := extractPayload(raw)
	if payload == "" {
		return nil, errors.New("empty output, expected a JSON object")
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return nil, fmt.Errorf("schema mismatch: %w", err)
	}

	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &d, nil
}

func extractPayload(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.Contains(text, "```") {
		return text
	}
	parts := fenceRe.Split(text, -1)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
