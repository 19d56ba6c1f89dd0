package failover

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/shared"
)

// cooldownRule controls how long a model sits out after a failure class
// and how repeat failures escalate.
type cooldownRule struct {
	base       time.Duration
	multiplier float64
	cap        time.Duration
	indefinite bool
}

// Cooldown policies per failure class. Rate limits use a flat window since
// the provider resets on its own schedule. Auth and non-retryable failures
// bench the model until an operator clears it.
var cooldownRules = map[ErrorClass]cooldownRule{
	ClassRateLimit:       {base: 60 * time.Second, multiplier: 1, cap: 60 * time.Second},
	ClassTimeout:         {base: 15 * time.Minute, multiplier: 3, cap: 6 * time.Hour},
	ClassOverloaded:      {base: 2 * time.Minute, multiplier: 2, cap: 30 * time.Minute},
	ClassAuth:            {indefinite: true},
	ClassNonRetryable:    {indefinite: true},
	ClassTransport:       {},
	ClassInvalidResponse: {},
	ClassContextOverflow: {},
	ClassAborted:         {},
	ClassOther:           {},
}

// cooldownEntry is the persisted per-model state.
type cooldownEntry struct {
	Model      string     `json:"model"`
	Class      ErrorClass `json:"class"`
	Strikes    int        `json:"strikes"`
	Until      *time.Time `json:"until,omitempty"` // nil with Indefinite set means forever
	Indefinite bool       `json:"indefinite,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CooldownTracker tracks per-model cooldowns with atomic JSON persistence
// so restarts keep benched models benched.
type CooldownTracker struct {
	mu      sync.Mutex
	path    string
	entries map[string]*cooldownEntry
	logger  *slog.Logger
	bus     *bus.Bus
	now     func() time.Time
}

func NewCooldownTracker(path string, eventBus *bus.Bus, logger *slog.Logger) (*CooldownTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &CooldownTracker{
		path:    path,
		entries: make(map[string]*cooldownEntry),
		logger:  logger.With("component", "failover"),
		bus:     eventBus,
		now:     time.Now,
	}
	var persisted []cooldownEntry
	if err := shared.ReadJSON(path, &persisted); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	for i := range persisted {
		e := persisted[i]
		t.entries[e.Model] = &e
	}
	return t, nil
}

// Available reports whether a model is currently usable.
func (t *CooldownTracker) Available(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[model]
	if !ok {
		return true
	}
	if e.Indefinite {
		return false
	}
	if e.Until != nil && t.now().Before(*e.Until) {
		return false
	}
	return true
}

// ReportFailure records a classified failure and applies the cooldown rule,
// escalating on repeat strikes of the same class.
func (t *CooldownTracker) ReportFailure(model string, class ErrorClass, errMsg string) {
	rule := cooldownRules[class]
	if rule.base == 0 && !rule.indefinite {
		return // no cooldown for this class
	}

	t.mu.Lock()
	e, ok := t.entries[model]
	if !ok || e.Class != class {
		e = &cooldownEntry{Model: model, Class: class}
		t.entries[model] = e
	}
	e.Strikes++
	e.LastError = shared.Redact(errMsg)
	e.UpdatedAt = t.now()

	var until time.Time
	if rule.indefinite {
		e.Indefinite = true
		e.Until = nil
	} else {
		d := rule.base
		for i := 1; i < e.Strikes; i++ {
			d = time.Duration(float64(d) * rule.multiplier)
			if d >= rule.cap {
				d = rule.cap
				break
			}
		}
		until = t.now().Add(d)
		e.Until = &until
		e.Indefinite = false
	}
	strikes, indefinite := e.Strikes, e.Indefinite
	t.persistLocked()
	t.mu.Unlock()

	t.logger.Warn("model placed on cooldown",
		"model", model, "class", string(class), "strikes", strikes, "indefinite", indefinite)
	if t.bus != nil {
		t.bus.Publish(bus.TopicModelCooldown, bus.CooldownEvent{
			Model: model, Category: string(class), Until: until, Level: strikes,
		})
	}
}

// ReportSuccess clears any cooldown state for the model.
func (t *CooldownTracker) ReportSuccess(model string) {
	t.mu.Lock()
	_, had := t.entries[model]
	delete(t.entries, model)
	if had {
		t.persistLocked()
	}
	t.mu.Unlock()

	if had && t.bus != nil {
		t.bus.Publish(bus.TopicModelCleared, bus.CooldownEvent{Model: model})
	}
}

// Clear removes the cooldown for a model regardless of class. Used by the
// operator path to un-bench auth-failed models after fixing credentials.
func (t *CooldownTracker) Clear(model string) {
	t.ReportSuccess(model)
}

// Snapshot returns the current cooldown entries for diagnostics.
func (t *CooldownTracker) Snapshot() []cooldownEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]cooldownEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

func (t *CooldownTracker) persistLocked() {
	out := make([]cooldownEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	if err := shared.WriteJSONAtomic(t.path, out, 0o644); err != nil {
		t.logger.Error("persist cooldowns failed", "error", err)
	}
}
