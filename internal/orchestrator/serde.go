package orchestrator

import (
	"slices"

	"github.com/opentalon/apichain/internal/llmchain"
)

// Serialized is the persisted form of a Chain. api_docs is a pointer so an
// absent field can be told apart from empty documentation. Request headers
// are never part of the record; they usually carry credentials and are
// re-applied with WithHeaders when the chain is loaded.
type Serialized struct {
	Type            string                    `json:"_type" yaml:"_type"`
	LLM             *llmchain.SerializedModel `json:"llm" yaml:"llm"`
	APIRequestChain *llmchain.Serialized      `json:"api_request_chain" yaml:"api_request_chain"`
	APIAnswerChain  *llmchain.Serialized      `json:"api_answer_chain" yaml:"api_answer_chain"`
	APIDocs         *string                   `json:"api_docs" yaml:"api_docs"`

	InputKey       string   `json:"input_key,omitempty" yaml:"input_key,omitempty"`
	OutputKey      string   `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	AllowedMethods []string `json:"allowed_methods,omitempty" yaml:"allowed_methods,omitempty"`
}

// Serialize returns the persisted form of c.
func (c *Chain) Serialize() *Serialized {
	docs := c.docs
	return &Serialized{
		Type:            ChainType,
		LLM:             llmchain.SerializeModel(c.ref),
		APIRequestChain: c.requestChain.Serialize(),
		APIAnswerChain:  c.answerChain.Serialize(),
		APIDocs:         &docs,
		InputKey:        c.inputKey,
		OutputKey:       c.outputKey,
		AllowedMethods:  c.guard.Allowed(),
	}
}

// Deserialize rebuilds a chain from s, resolving every model reference
// through r. A record missing llm, api_request_chain, api_answer_chain or
// api_docs, or carrying another _type, fails with *ConfigurationError.
func Deserialize(s *Serialized, r llmchain.Resolver, opts ...Option) (*Chain, error) {
	if s == nil {
		return nil, &ConfigurationError{Field: "_type", Reason: "empty record"}
	}
	if s.Type != ChainType {
		return nil, &ConfigurationError{Field: "_type", Reason: "want " + ChainType + ", got " + quoteOrEmpty(s.Type)}
	}
	if s.LLM == nil || s.LLM.Model == "" {
		return nil, &ConfigurationError{Field: "llm", Reason: "missing"}
	}
	if s.APIRequestChain == nil {
		return nil, &ConfigurationError{Field: "api_request_chain", Reason: "missing"}
	}
	if s.APIAnswerChain == nil {
		return nil, &ConfigurationError{Field: "api_answer_chain", Reason: "missing"}
	}
	if s.APIDocs == nil {
		return nil, &ConfigurationError{Field: "api_docs", Reason: "missing"}
	}
	if r == nil {
		return nil, &ConfigurationError{Field: "llm", Reason: "no model resolver"}
	}

	model, err := r.Resolve(s.LLM.Model)
	if err != nil {
		return nil, &ConfigurationError{Field: "llm", Reason: "cannot resolve " + s.LLM.Model.String(), Err: err}
	}
	b := &builder{cfg: Config{
		Model:          model,
		ModelRef:       s.LLM.Model,
		Docs:           *s.APIDocs,
		InputKey:       s.InputKey,
		OutputKey:      s.OutputKey,
		AllowedMethods: slices.Clone(s.AllowedMethods),
	}}
	for _, o := range opts {
		o(b)
	}

	// Completion options are not part of the record; the ones passed in
	// apply to the stage chains as well as to the repair chain.
	b.cfg.RequestChain, err = llmchain.Deserialize(s.APIRequestChain, r, b.cfg.CompletionOptions...)
	if err != nil {
		return nil, &ConfigurationError{Field: "api_request_chain", Reason: "invalid", Err: err}
	}
	b.cfg.AnswerChain, err = llmchain.Deserialize(s.APIAnswerChain, r, b.cfg.CompletionOptions...)
	if err != nil {
		return nil, &ConfigurationError{Field: "api_answer_chain", Reason: "invalid", Err: err}
	}
	return b.build()
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "nothing"
	}
	return `"` + s + `"`
}
