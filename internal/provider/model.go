package provider

import (
	"fmt"
	"strings"
)

// ModelRef names a model as "provider/model". It is the form in which a
// pipeline's model is persisted.
type ModelRef string

func NewModelRef(providerID, modelID string) ModelRef {
	return ModelRef(providerID + "/" + modelID)
}

func (r ModelRef) Provider() string {
	parts := strings.SplitN(string(r), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func (r ModelRef) Model() string {
	parts := strings.SplitN(string(r), "/", 2)
	if len(parts) < 2 {
		return string(r)
	}
	return parts[1]
}

func (r ModelRef) String() string {
	return string(r)
}

func (r ModelRef) Valid() bool {
	return r.Provider() != "" && r.Model() != ""
}

func ParseModelRef(s string) (ModelRef, error) {
	ref := ModelRef(s)
	if !ref.Valid() {
		return "", fmt.Errorf("invalid model ref %q: expected format provider/model", s)
	}
	return ref, nil
}

// UnmarshalText rejects malformed references when decoding config or
// persisted records.
func (r *ModelRef) UnmarshalText(b []byte) error {
	ref, err := ParseModelRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

func (r ModelRef) MarshalText() ([]byte, error) {
	return []byte(r), nil
}
