package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/apichain/internal/descriptor"
	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
	"github.com/opentalon/apichain/internal/telemetry"
)

const testRef = provider.ModelRef("fake/test-model")

const searchDocs = `BASE URL: https://api.example.test
GET /search?q={term} returns matching items as JSON.
POST /notes with {"text": string} creates a note.`

// scriptedModel replies with canned completions in order and records every
// prompt it was given.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	errs    map[int]error
	prompts []string
	onCall  func(n int)
}

func (m *scriptedModel) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	m.mu.Lock()
	n := len(m.prompts)
	m.prompts = append(m.prompts, req.Messages[0].Content)
	m.mu.Unlock()

	if m.onCall != nil {
		m.onCall(n)
	}
	if err := m.errs[n]; err != nil {
		return nil, err
	}
	if n >= len(m.replies) {
		return nil, fmt.Errorf("no more responses")
	}
	return &provider.CompletionResponse{Content: m.replies[n]}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *scriptedModel) prompt(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[n]
}

type funcModel func(prompt string) (string, error)

func (f funcModel) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	out, err := f(req.Messages[0].Content)
	if err != nil {
		return nil, err
	}
	return &provider.CompletionResponse{Content: out}, nil
}

type hit struct {
	method string
	uri    string
	body   string
	header http.Header
}

type apiServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits []hit
}

func newAPIServer(t *testing.T, status int, reply string) *apiServer {
	t.Helper()
	s := &apiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.hits = append(s.hits, hit{method: r.Method, uri: r.URL.RequestURI(), body: string(b), header: r.Header.Clone()})
		s.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

type failingDoer struct {
	calls atomic.Int32
	err   error
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, d.err
}

func TestRunGetScenario(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, `{"items":["a","b","c"]}`)
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL+"/search?q=widgets"),
		"There are three widgets: a, b and c.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs,
		WithHeaders(map[string]string{"Authorization": "Bearer t0k"}))
	require.NoError(t, err)

	out, err := chain.Run(context.Background(), map[string]string{"question": "which widgets exist?"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"output": "There are three widgets: a, b and c."}, out)

	require.Equal(t, 1, srv.count())
	assert.Equal(t, "GET", srv.hits[0].method)
	assert.Equal(t, "/search?q=widgets", srv.hits[0].uri)
	assert.Empty(t, srv.hits[0].body)
	assert.Equal(t, "Bearer t0k", srv.hits[0].header.Get("Authorization"))

	require.Equal(t, 2, model.calls())
	assert.Contains(t, model.prompt(0), searchDocs)
	assert.Contains(t, model.prompt(0), "Question:which widgets exist?")
	answerPrompt := model.prompt(1)
	assert.Contains(t, answerPrompt, `{"items":["a","b","c"]}`)
	assert.Contains(t, answerPrompt, srv.URL+"/search?q=widgets")
	assert.Contains(t, answerPrompt, "which widgets exist?")
}

func TestRunPostScenario(t *testing.T) {
	srv := newAPIServer(t, http.StatusCreated, `{"id":42}`)
	model := &scriptedModel{replies: []string{
		"```json\n" + fmt.Sprintf(`{"api_url": %q, "api_method": "POST", "api_body": {"text": "buy milk"}}`, srv.URL+"/notes") + "\n```",
		"Created note 42.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	answer, err := chain.Call(context.Background(), "remember to buy milk")
	require.NoError(t, err)
	assert.Equal(t, "Created note 42.", answer)

	require.Equal(t, 1, srv.count())
	assert.Equal(t, "POST", srv.hits[0].method)
	assert.Equal(t, `{"text":"buy milk"}`, srv.hits[0].body)
	assert.Equal(t, "application/json", srv.hits[0].header.Get("Content-Type"))
}

func TestRunRejectsDisallowedMethod(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "should not be called")
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "PUT", "api_body": {"x": 1}}`, srv.URL+"/notes/1"),
		"unused",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Call(context.Background(), "overwrite note 1")
	require.Error(t, err)
	assert.True(t, IsMethodNotAllowed(err))

	var mna *MethodNotAllowedError
	require.ErrorAs(t, err, &mna)
	assert.Equal(t, "PUT", mna.Method)
	assert.Equal(t, []string{"GET", "POST"}, mna.Allowed)

	assert.Equal(t, 0, srv.count())
	assert.Equal(t, 1, model.calls(), "answer stage must not run")
}

func TestRunMethodMatchIsCaseSensitive(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "ok")
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "get"}`, srv.URL),
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Call(context.Background(), "q")
	assert.True(t, IsMethodNotAllowed(err))
	assert.Equal(t, 0, srv.count())
}

func TestRunExtendedAllowList(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "deleted")
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "DELETE", "api_body": {"ignored": true}}`, srv.URL+"/notes/7"),
		"Note 7 is gone.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs, WithAllowedMethods("GET", "POST", "DELETE"))
	require.NoError(t, err)

	answer, err := chain.Call(context.Background(), "delete note 7")
	require.NoError(t, err)
	assert.Equal(t, "Note 7 is gone.", answer)
	require.Equal(t, 1, srv.count())
	assert.Equal(t, "DELETE", srv.hits[0].method)
	assert.Empty(t, srv.hits[0].body)
}

func TestRunRepairsMalformedDescriptor(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "pong")
	model := &scriptedModel{replies: []string{
		"Sure! I would call the ping endpoint.",
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL+"/ping"),
		"The API answered pong.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	answer, err := chain.Call(context.Background(), "is it up?")
	require.NoError(t, err)
	assert.Equal(t, "The API answered pong.", answer)

	assert.Equal(t, 3, model.calls(), "request, one repair, answer")
	repairPrompt := model.prompt(1)
	assert.Contains(t, repairPrompt, "Sure! I would call the ping endpoint.")
	assert.Contains(t, repairPrompt, descriptor.Schema())
	assert.Equal(t, 1, srv.count())
}

func TestRunFailsAfterSingleRepair(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "unused")
	model := &scriptedModel{replies: []string{
		"not json",
		`{"api_method": "GET"}`,
		"unused",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Call(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, IsParseError(err))

	var perr *descriptor.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "not json", perr.Raw)
	assert.Error(t, perr.First)
	assert.Error(t, perr.Second)

	assert.Equal(t, 2, model.calls())
	assert.Equal(t, 0, srv.count())
}

func TestRunPassesErrorBodyToAnswer(t *testing.T) {
	srv := newAPIServer(t, http.StatusNotFound, `{"error":"no such widget"}`)
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL+"/widgets/9"),
		"Widget 9 does not exist.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	answer, err := chain.Call(context.Background(), "tell me about widget 9")
	require.NoError(t, err)
	assert.Equal(t, "Widget 9 does not exist.", answer)
	assert.Contains(t, model.prompt(1), `{"error":"no such widget"}`)
}

func TestRunTransportError(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	doer := &failingDoer{err: boom}
	model := &scriptedModel{replies: []string{
		`{"api_url": "http://unreachable.test/x", "api_method": "GET"}`,
		"unused",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs, WithHTTPClient(doer))
	require.NoError(t, err)

	_, err = chain.Call(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, boom)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "GET", te.Method)
	assert.Equal(t, "http://unreachable.test/x", te.URL)
	assert.Equal(t, 1, model.calls())
}

func TestRunModelErrors(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "ok")
	valid := fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL)
	providerErr := &provider.APIError{Provider: "fake", StatusCode: 503, Message: "overloaded"}

	tests := []struct {
		name    string
		replies []string
		failAt  int
		stage   Stage
	}{
		{"request", nil, 0, StageRequest},
		{"repair", []string{"garbage"}, 1, StageRepair},
		{"answer", []string{valid}, 1, StageAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{replies: tt.replies, errs: map[int]error{tt.failAt: providerErr}}
			chain, err := FromModelAndDocs(model, testRef, searchDocs)
			require.NoError(t, err)

			_, err = chain.Call(context.Background(), "q")
			require.Error(t, err)
			assert.True(t, IsModelError(err))

			var mie *ModelInvocationError
			require.ErrorAs(t, err, &mie)
			assert.Equal(t, tt.stage, mie.Stage)
			assert.True(t, provider.IsRetryable(err))
			assert.Equal(t, tt.failAt+1, model.calls())
		})
	}
}

func TestRunMissingInput(t *testing.T) {
	model := &scriptedModel{}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Run(context.Background(), map[string]string{"query": "wrong key"})
	require.Error(t, err)
	assert.True(t, IsInputError(err))
	assert.Equal(t, 0, model.calls())
}

func TestRunCustomKeys(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "42")
	model := &scriptedModel{replies: []string{
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL),
		"The answer is 42.",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs, WithInputKey("query"), WithOutputKey("answer"))
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, chain.InputKeys())
	assert.Equal(t, []string{"answer"}, chain.OutputKeys())
	assert.Equal(t, "api_chain", chain.ChainType())

	out, err := chain.Run(context.Background(), map[string]string{"query": "meaning of life"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"answer": "The answer is 42."}, out)
}

func TestRunCanceledStopsLaterStages(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "unused")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &scriptedModel{
		replies: []string{fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL)},
		onCall:  func(int) { cancel() },
	}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Call(ctx, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, model.calls())
	assert.Equal(t, 0, srv.count())
}

func TestRunCanceledDuringModelCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := funcModel(func(string) (string, error) {
		cancel()
		return "", errors.New("stream closed")
	})
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	_, err = chain.Call(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsModelError(err))
}

var (
	questionRe = regexp.MustCompile(`Question:(q\d+)`)
	itemRe     = regexp.MustCompile(`item-(q\d+)`)
)

func TestRunConcurrentInvocationsAreIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "item-"+strings.TrimPrefix(r.URL.Path, "/items/"))
	}))
	t.Cleanup(srv.Close)

	model := funcModel(func(p string) (string, error) {
		if strings.HasSuffix(p, "json string:") {
			q := questionRe.FindStringSubmatch(p)[1]
			return fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL+"/items/"+q), nil
		}
		return "answer-" + itemRe.FindStringSubmatch(p)[1], nil
	})
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)

	const n = 32
	answers := make([]string, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			a, err := chain.Call(context.Background(), fmt.Sprintf("q%d", i))
			answers[i] = a
			return err
		})
	}
	require.NoError(t, g.Wait())
	for i, a := range answers {
		assert.Equal(t, fmt.Sprintf("answer-q%d", i), a)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	srv := newAPIServer(t, http.StatusInternalServerError, "oops")
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	model := &scriptedModel{replies: []string{
		"nope",
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL),
		"The API failed.",
		`{"api_url": "x", "api_method": "PATCH"}`,
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs, WithMetrics(metrics), WithName("notes"))
	require.NoError(t, err)

	_, err = chain.Call(context.Background(), "first")
	require.NoError(t, err)
	_, err = chain.Call(context.Background(), "second")
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "apichain_runs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "apichain_repairs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "apichain_http_responses_total"))
}

func TestRunSpansNestUnderRun(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	srv := newAPIServer(t, http.StatusOK, "ok")
	model := &scriptedModel{replies: []string{
		"bad",
		fmt.Sprintf(`{"api_url": %q, "api_method": "GET"}`, srv.URL),
		"fine",
	}}
	chain, err := FromModelAndDocs(model, testRef, searchDocs)
	require.NoError(t, err)
	_, err = chain.Call(context.Background(), "q")
	require.NoError(t, err)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["apichain.run"], 1)
	run := byName["apichain.run"][0]

	for _, stage := range []string{"apichain.request", "apichain.parse", "apichain.execute", "apichain.answer"} {
		require.Len(t, byName[stage], 1, stage)
		assert.Equal(t, run.SpanContext().SpanID(), byName[stage][0].Parent().SpanID(), stage)
		assert.Equal(t, run.SpanContext().TraceID(), byName[stage][0].SpanContext().TraceID(), stage)
	}
	require.Len(t, byName["descriptor.repair"], 1)
	assert.Equal(t, byName["apichain.parse"][0].SpanContext().SpanID(), byName["descriptor.repair"][0].Parent().SpanID())
	assert.Len(t, byName["llm.complete"], 3)
}

func TestNewValidatesConfig(t *testing.T) {
	model := &scriptedModel{}

	_, err := New(Config{})
	assert.True(t, IsConfigurationError(err))

	_, err = FromModelAndDocs(nil, testRef, searchDocs)
	assert.True(t, IsConfigurationError(err))

	_, err = FromModelAndDocs(model, testRef, searchDocs, WithRequestPrompt(prompt.New("Docs: {api_docs}")))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "api_request_chain", cerr.Field)

	_, err = FromModelAndDocs(model, testRef, searchDocs, WithAnswerPrompt(prompt.New("{question} {api_docs}")))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "api_answer_chain", cerr.Field)

	_, err = FromModelAndDocs(model, testRef, searchDocs, WithOutputKey("question"))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "output_key", cerr.Field)
}

func TestReconfigurationReturnsCopy(t *testing.T) {
	srv := newAPIServer(t, http.StatusOK, "ok")
	model := funcModel(func(p string) (string, error) {
		if strings.HasSuffix(p, "json string:") {
			return fmt.Sprintf(`{"api_url": %q, "api_method": "DELETE"}`, srv.URL), nil
		}
		return "done", nil
	})
	headers := map[string]string{"X-Team": "a"}
	base, err := FromModelAndDocs(model, testRef, searchDocs, WithHeaders(headers))
	require.NoError(t, err)
	headers["X-Team"] = "mutated"

	wider := base.WithAllowedMethods("GET", "POST", "DELETE").WithHeaders(map[string]string{"X-Team": "b"})
	assert.Equal(t, []string{"GET", "POST"}, base.AllowedMethods())
	assert.Equal(t, map[string]string{"X-Team": "a"}, base.Headers())

	_, err = base.Call(context.Background(), "q")
	assert.True(t, IsMethodNotAllowed(err))

	_, err = wider.Call(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, 1, srv.count())
	assert.Equal(t, "b", srv.hits[0].header.Get("X-Team"))
}
