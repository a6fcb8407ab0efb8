package llmchain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
)

type recordingModel struct {
	reply string
	err   error
	reqs  []*provider.CompletionRequest
}

func (m *recordingModel) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	return &provider.CompletionResponse{Content: m.reply}, nil
}

func TestPredict(t *testing.T) {
	model := &recordingModel{reply: "  raw completion\n"}
	c, err := New(prompt.New("Q: {question}"), model, "openai/gpt-4o", WithMaxTokens(256), WithTemperature(0))
	require.NoError(t, err)

	out, err := c.Predict(context.Background(), map[string]string{"question": "why?"})
	require.NoError(t, err)
	assert.Equal(t, "  raw completion\n", out, "completion is returned verbatim")

	require.Len(t, model.reqs, 1)
	req := model.reqs[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, []provider.Message{{Role: provider.RoleUser, Content: "Q: why?"}}, req.Messages)
}

func TestPredictMissingVariable(t *testing.T) {
	model := &recordingModel{reply: "x"}
	c, err := New(prompt.New("{question}"), model, "openai/gpt-4o")
	require.NoError(t, err)

	_, err = c.Predict(context.Background(), nil)
	assert.Error(t, err)
	assert.Empty(t, model.reqs, "model is not called when the prompt cannot render")
}

func TestPredictModelError(t *testing.T) {
	sentinel := &provider.APIError{Provider: "openai", StatusCode: 503, Message: "down"}
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	c, err := New(prompt.New("{q}"), &recordingModel{err: sentinel}, "openai/gpt-4o", WithTracer(tp.Tracer("test")))
	require.NoError(t, err)

	_, err = c.Predict(context.Background(), map[string]string{"q": "x"})
	assert.Same(t, sentinel, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "llm.complete", spans[0].Name())
	require.Len(t, spans[0].Events(), 1, "error is recorded on the span")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &recordingModel{}, "openai/gpt-4o")
	assert.Error(t, err)
	_, err = New(prompt.New("x"), nil, "openai/gpt-4o")
	assert.Error(t, err)
}

func TestSerializeRoundTrip(t *testing.T) {
	model := &recordingModel{reply: "ok"}
	c, err := New(prompt.APIURL(), model, "openai/gpt-4o")
	require.NoError(t, err)

	s := c.Serialize()
	assert.Equal(t, TypeLLMChain, s.Type)
	assert.Equal(t, provider.ModelRef("openai/gpt-4o"), s.LLM.Model)
	assert.ElementsMatch(t, []string{"api_docs", "question"}, s.Prompt.InputVariables)

	var resolved provider.ModelRef
	back, err := Deserialize(s, ResolverFunc(func(ref provider.ModelRef) (Model, error) {
		resolved = ref
		return model, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, provider.ModelRef("openai/gpt-4o"), resolved)
	assert.Equal(t, c.Prompt().Text(), back.Prompt().Text())
}

func TestDeserializeErrors(t *testing.T) {
	ok := ResolverFunc(func(provider.ModelRef) (Model, error) { return &recordingModel{}, nil })
	fail := ResolverFunc(func(provider.ModelRef) (Model, error) { return nil, errors.New("no provider") })
	good := func() *Serialized {
		return &Serialized{
			Type:   TypeLLMChain,
			LLM:    SerializeModel("openai/gpt-4o"),
			Prompt: &SerializedPrompt{Type: TypePrompt, Template: "{q}"},
		}
	}

	_, err := Deserialize(nil, ok)
	assert.Error(t, err)

	s := good()
	s.Type = "sql_chain"
	_, err = Deserialize(s, ok)
	assert.ErrorContains(t, err, "unexpected chain type")

	s = good()
	s.LLM = nil
	_, err = Deserialize(s, ok)
	assert.ErrorContains(t, err, "must have llm")

	s = good()
	s.Prompt = nil
	_, err = Deserialize(s, ok)
	assert.ErrorContains(t, err, "must have prompt")

	_, err = Deserialize(good(), fail)
	assert.ErrorContains(t, err, "no provider")
}

func TestRegistryResolver(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewOpenAIProvider("openai", "", "")))

	m, err := RegistryResolver(reg).Resolve("openai/gpt-4o")
	require.NoError(t, err)
	assert.IsType(t, &provider.OpenAIProvider{}, m)

	_, err = RegistryResolver(reg).Resolve("anthropic/claude")
	assert.Error(t, err)
}
