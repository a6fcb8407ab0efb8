package main

import (
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/opentalon/apichain/internal/config"
	"github.com/opentalon/apichain/internal/llmchain"
	"github.com/opentalon/apichain/internal/orchestrator"
	"github.com/opentalon/apichain/internal/prompt"
	"github.com/opentalon/apichain/internal/provider"
	"github.com/opentalon/apichain/internal/telemetry"
	"github.com/opentalon/apichain/internal/version"
)

// deps are shared by every chain the host builds.
type deps struct {
	providers  *provider.Registry
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	httpClient *http.Client
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, id := range sortedProviderIDs(cfg) {
		pc := cfg.Models.Providers[id]
		p, err := provider.FromConfig(provider.ProviderConfig{
			ID:      id,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			API:     pc.API,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func sortedProviderIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Models.Providers))
	for id := range cfg.Models.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// buildChain assembles the named chain from its config entry.
func buildChain(cfg *config.Config, name string, d deps) (*orchestrator.Chain, error) {
	cc, ok := cfg.Chains[name]
	if !ok {
		return nil, fmt.Errorf("chain %q not configured", name)
	}
	ref, err := provider.ParseModelRef(cc.Model)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", name, err)
	}
	model, err := d.providers.GetForModel(ref)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", name, err)
	}
	docs, err := cfg.ChainDocs(name)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithName(name),
		orchestrator.WithInputKey(cc.InputKey),
		orchestrator.WithOutputKey(cc.OutputKey),
		orchestrator.WithAllowedMethods(cc.AllowedMethods...),
		orchestrator.WithMaxResponseBytes(cc.MaxResponseBytes),
	}
	if cc.Prompts.Request != "" {
		opts = append(opts, orchestrator.WithRequestPrompt(prompt.New(cc.Prompts.Request)))
	}
	if cc.Prompts.Answer != "" {
		opts = append(opts, orchestrator.WithAnswerPrompt(prompt.New(cc.Prompts.Answer)))
	}
	opts = append(opts, runtimeOptions(cc, d)...)
	return orchestrator.FromModelAndDocs(model, ref, docs, opts...)
}

// loadChain rebuilds a chain from a stored record. Headers and completion
// settings are not stored, so they come from the config entry of the same
// name when there is one.
func loadChain(cfg *config.Config, rec *orchestrator.Serialized, name string, d deps) (*orchestrator.Chain, error) {
	opts := []orchestrator.Option{orchestrator.WithName(name)}
	opts = append(opts, runtimeOptions(cfg.Chains[name], d)...)
	return orchestrator.Deserialize(rec, llmchain.RegistryResolver(d.providers), opts...)
}

// runtimeOptions are the settings applied whether a chain is built from
// config or loaded from the registry.
func runtimeOptions(cc config.ChainConfig, d deps) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithHeaders(withUserAgent(cc.Headers)),
		orchestrator.WithLogger(d.logger),
		orchestrator.WithMetrics(d.metrics),
	}
	if d.httpClient != nil {
		opts = append(opts, orchestrator.WithHTTPClient(d.httpClient))
	}
	var llmOpts []llmchain.Option
	if cc.MaxTokens > 0 {
		llmOpts = append(llmOpts, llmchain.WithMaxTokens(cc.MaxTokens))
	}
	if cc.Temperature != nil {
		llmOpts = append(llmOpts, llmchain.WithTemperature(*cc.Temperature))
	}
	if len(llmOpts) > 0 {
		opts = append(opts, orchestrator.WithCompletionOptions(llmOpts...))
	}
	return opts
}

func withUserAgent(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	hasUA := false
	for k, v := range h {
		out[k] = v
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			hasUA = true
		}
	}
	if !hasUA {
		out["User-Agent"] = version.Get().UserAgent()
	}
	return out
}
