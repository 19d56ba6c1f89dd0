// Package failover selects which model serves a run and benches models
// that misbehave. Selection walks an override cascade and skips models on
// cooldown; when every candidate is benched the caller gets
// ErrAllModelsUnavailable and should park the work instead of burning
// retries.
package failover

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/basket/dotclaw/internal/shared"
)

// ErrAllModelsUnavailable means every candidate in the cascade is on
// cooldown or filtered by the allowlist.
var ErrAllModelsUnavailable = errors.New("failover: all models unavailable")

// ModelConfig is the persisted model routing config (config/model.json).
type ModelConfig struct {
	Default   string            `json:"default"`
	Fallbacks []string          `json:"fallbacks,omitempty"`
	Groups    map[string]Route  `json:"groups,omitempty"`
	Users     map[string]string `json:"users,omitempty"`
	// Allowlist restricts usable models. Empty means everything is allowed.
	// Entries support a trailing "*" wildcard.
	Allowlist []string `json:"allowlist,omitempty"`
	// Models holds optional per-model generation overrides.
	Models map[string]ModelParams `json:"models,omitempty"`
	// Rules route prompts by keyword ahead of the static cascade.
	Rules []RoutingRule `json:"rules,omitempty"`
}

// RoutingRule sends prompts containing any keyword to a model. User-scoped
// rules beat group-scoped ones; within a scope higher Priority wins.
type RoutingRule struct {
	Keywords []string `json:"keywords"`
	Model    string   `json:"model"`
	Group    string   `json:"group,omitempty"` // empty matches any group
	User     string   `json:"user,omitempty"`  // empty matches any user
	Priority int      `json:"priority,omitempty"`
}

func (r RoutingRule) matches(group, userID, prompt string) bool {
	if r.Model == "" || len(r.Keywords) == 0 {
		return false
	}
	if r.User != "" && r.User != userID {
		return false
	}
	if r.Group != "" && r.Group != group {
		return false
	}
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ModelParams are per-model generation overrides handed to the agent.
// Zero values mean "agent default".
type ModelParams struct {
	ContextWindow   int     `json:"context_window,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// Params returns the generation overrides configured for a model.
func (p *Policy) Params(model string) ModelParams {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Models[model]
}

// Route is a per-group override with its own fallback chain.
type Route struct {
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// Policy resolves models for runs. Hot-reload swaps the config atomically.
type Policy struct {
	mu        sync.RWMutex
	cfg       ModelConfig
	cooldowns *CooldownTracker
}

func NewPolicy(cfg ModelConfig, cooldowns *CooldownTracker) *Policy {
	return &Policy{cfg: cfg, cooldowns: cooldowns}
}

// LoadModelConfig reads config/model.json, falling back to defaultModel
// when absent.
func LoadModelConfig(path, defaultModel string) (ModelConfig, error) {
	var cfg ModelConfig
	if err := shared.ReadJSON(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return ModelConfig{Default: defaultModel}, nil
		}
		return ModelConfig{}, err
	}
	if cfg.Default == "" {
		cfg.Default = defaultModel
	}
	return cfg, nil
}

// Reload swaps in a new config. Cooldown state is untouched.
func (p *Policy) Reload(cfg ModelConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Cooldowns exposes the tracker for failure reporting.
func (p *Policy) Cooldowns() *CooldownTracker { return p.cooldowns }

// Config returns a copy of the active model config.
func (p *Policy) Config() ModelConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Candidates returns the ordered model cascade for a request: matched
// routing rules, user override, group override, global default, then
// fallbacks, with allowlist filtering and duplicates removed.
func (p *Policy) Candidates(group, userID, prompt string) []string {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	chain := matchedRuleModels(cfg.Rules, group, userID, prompt)
	if userID != "" {
		if m, ok := cfg.Users[userID]; ok && m != "" {
			chain = append(chain, m)
		}
	}
	if group != "" {
		if route, ok := cfg.Groups[group]; ok {
			if route.Model != "" {
				chain = append(chain, route.Model)
			}
			chain = append(chain, route.Fallbacks...)
		}
	}
	if cfg.Default != "" {
		chain = append(chain, cfg.Default)
	}
	chain = append(chain, cfg.Fallbacks...)

	seen := make(map[string]struct{}, len(chain))
	out := make([]string, 0, len(chain))
	for _, m := range chain {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		if !allowed(cfg.Allowlist, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchedRuleModels(rules []RoutingRule, group, userID, prompt string) []string {
	if len(rules) == 0 || prompt == "" {
		return nil
	}
	lower := strings.ToLower(prompt)
	var matched []RoutingRule
	for _, r := range rules {
		if r.matches(group, userID, lower) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		iUser, jUser := matched[i].User != "", matched[j].User != ""
		if iUser != jUser {
			return iUser
		}
		return matched[i].Priority > matched[j].Priority
	})
	out := make([]string, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.Model)
	}
	return out
}

// Resolve picks the first candidate not on cooldown.
func (p *Policy) Resolve(group, userID, prompt string) (string, error) {
	for _, m := range p.Candidates(group, userID, prompt) {
		if p.cooldowns == nil || p.cooldowns.Available(m) {
			return m, nil
		}
	}
	return "", ErrAllModelsUnavailable
}

// ResolveAfter returns the next usable candidate strictly after a failed
// model in the cascade, for mid-run failover.
func (p *Policy) ResolveAfter(group, userID, prompt, failed string) (string, error) {
	candidates := p.Candidates(group, userID, prompt)
	idx := -1
	for i, m := range candidates {
		if m == failed {
			idx = i
			break
		}
	}
	for _, m := range candidates[idx+1:] {
		if p.cooldowns == nil || p.cooldowns.Available(m) {
			return m, nil
		}
	}
	return "", ErrAllModelsUnavailable
}

func allowed(allowlist []string, model string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, pattern := range allowlist {
		if pattern == model {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
