package llmchain

import (
	"errors"
	"fmt"

	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
)

// Discriminator tags written to persisted records.
const (
	TypeLLMChain = "llm_chain"
	TypePrompt   = "prompt"
	TypeModel    = "model"
)

// SerializedModel is the persisted form of a model reference.
type SerializedModel struct {
	Type  string            `json:"_type" yaml:"_type"`
	Model provider.ModelRef `json:"model" yaml:"model"`
}

// SerializedPrompt is the persisted form of a prompt template.
type SerializedPrompt struct {
	Type           string   `json:"_type" yaml:"_type"`
	Template       string   `json:"template" yaml:"template"`
	InputVariables []string `json:"input_variables" yaml:"input_variables"`
}

// Serialized is the persisted form of a Chain.
type Serialized struct {
	Type   string            `json:"_type" yaml:"_type"`
	LLM    *SerializedModel  `json:"llm" yaml:"llm"`
	Prompt *SerializedPrompt `json:"prompt" yaml:"prompt"`
}

// Resolver turns a persisted model reference back into a live model.
type Resolver interface {
	Resolve(ref provider.ModelRef) (Model, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ref provider.ModelRef) (Model, error)

func (f ResolverFunc) Resolve(ref provider.ModelRef) (Model, error) { return f(ref) }

// RegistryResolver resolves references against a provider registry.
func RegistryResolver(reg *provider.Registry) Resolver {
	return ResolverFunc(func(ref provider.ModelRef) (Model, error) {
		p, err := reg.GetForModel(ref)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// SerializeModel returns the persisted form of ref.
func SerializeModel(ref provider.ModelRef) *SerializedModel {
	return &SerializedModel{Type: TypeModel, Model: ref}
}

// Serialize returns the persisted form of c.
func (c *Chain) Serialize() *Serialized {
	return &Serialized{
		Type: TypeLLMChain,
		LLM:  SerializeModel(c.ref),
		Prompt: &SerializedPrompt{
			Type:           TypePrompt,
			Template:       c.prompt.Text(),
			InputVariables: c.prompt.InputVariables(),
		},
	}
}

// Deserialize rebuilds a Chain, resolving its model through r.
func Deserialize(s *Serialized, r Resolver, opts ...Option) (*Chain, error) {
	if s == nil {
		return nil, errors.New("llm chain record is empty")
	}
	if s.Type != "" && s.Type != TypeLLMChain {
		return nil, fmt.Errorf("unexpected chain type %q, want %q", s.Type, TypeLLMChain)
	}
	if s.LLM == nil || s.LLM.Model == "" {
		return nil, errors.New("llm chain must have llm")
	}
	if s.Prompt == nil || s.Prompt.Template == "" {
		return nil, errors.New("llm chain must have prompt")
	}
	model, err := r.Resolve(s.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve model %s: %w", s.LLM.Model, err)
	}
	return New(prompt.New(s.Prompt.Template), model, s.LLM.Model, opts...)
}
