package config

import (
	"fmt"
	"os"
	"time"

	"github.com/basket/dotclaw/internal/shared"
)

// Runtime holds the hot-reloadable tunables persisted at config/runtime.json.
// Every field has a working default; the file may be absent or partial.
type Runtime struct {
	// Queue / pipeline.
	BatchWindowMs   int `json:"batch_window_ms"`
	MaxBatchSize    int `json:"max_batch_size"`
	MaxRetries      int `json:"max_retries"`
	StalledAfterMs  int `json:"stalled_after_ms"`
	RetryBackoffMs  int `json:"retry_backoff_ms"`

	// Lane semaphore.
	WorkerPoolSize            int `json:"worker_pool_size"`
	LaneStarvationMs          int `json:"lane_starvation_ms"`
	MaxConsecutiveInteractive int `json:"max_consecutive_interactive"`

	// Sandbox.
	ContainerTimeoutMs int `json:"container_timeout_ms"`
	MaxToolSteps       int `json:"max_tool_steps"`
	HeartbeatGraceMs   int `json:"heartbeat_grace_ms"`
	WakeGraceMs        int `json:"wake_grace_ms"`

	// Streaming.
	EditIntervalMs int `json:"edit_interval_ms"`
	MaxEditLength  int `json:"max_edit_length"`

	// Scheduler.
	SchedulerPollMs int `json:"scheduler_poll_ms"`
	TaskLeaseMs     int `json:"task_lease_ms"`
	TaskMaxRetries  int `json:"task_max_retries"`
	TaskRetryBaseMs int `json:"task_retry_base_ms"`
	TaskRetryMaxMs  int `json:"task_retry_max_ms"`

	// IPC.
	IPCPollIntervalMs int `json:"ipc_poll_interval_ms"`

	// Rate limiting (per user, provider-qualified).
	RateLimitMessages int `json:"rate_limit_messages"`
	RateLimitWindowMs int `json:"rate_limit_window_ms"`

	// Memory recall.
	RecallMaxResults int `json:"recall_max_results"`
	RecallMaxTokens  int `json:"recall_max_tokens"`
}

// DefaultRuntime returns the baked-in defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		BatchWindowMs:  2000,
		MaxBatchSize:   50,
		MaxRetries:     4,
		StalledAfterMs: int(5 * time.Minute / time.Millisecond),
		RetryBackoffMs: 2000,

		WorkerPoolSize:            4,
		LaneStarvationMs:          60_000,
		MaxConsecutiveInteractive: 6,

		ContainerTimeoutMs: int(10 * time.Minute / time.Millisecond),
		MaxToolSteps:       40,
		HeartbeatGraceMs:   5000,
		WakeGraceMs:        60_000,

		EditIntervalMs: 1000,
		MaxEditLength:  4000,

		SchedulerPollMs: 5000,
		TaskLeaseMs:     int(15 * time.Minute / time.Millisecond),
		TaskMaxRetries:  3,
		TaskRetryBaseMs: 30_000,
		TaskRetryMaxMs:  int(30 * time.Minute / time.Millisecond),

		IPCPollIntervalMs: 1500,

		RateLimitMessages: 20,
		RateLimitWindowMs: 60_000,

		RecallMaxResults: 12,
		RecallMaxTokens:  1200,
	}
}

// LoadRuntime reads config/runtime.json over the defaults. Zero-valued
// fields in the file keep their defaults.
func LoadRuntime(path string) (Runtime, error) {
	rt := DefaultRuntime()
	var overlay Runtime
	if err := shared.ReadJSON(path, &overlay); err != nil {
		if os.IsNotExist(err) {
			return rt, nil
		}
		return rt, fmt.Errorf("load runtime config: %w", err)
	}
	merge := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	merge(&rt.BatchWindowMs, overlay.BatchWindowMs)
	merge(&rt.MaxBatchSize, overlay.MaxBatchSize)
	merge(&rt.MaxRetries, overlay.MaxRetries)
	merge(&rt.StalledAfterMs, overlay.StalledAfterMs)
	merge(&rt.RetryBackoffMs, overlay.RetryBackoffMs)
	merge(&rt.WorkerPoolSize, overlay.WorkerPoolSize)
	merge(&rt.LaneStarvationMs, overlay.LaneStarvationMs)
	merge(&rt.MaxConsecutiveInteractive, overlay.MaxConsecutiveInteractive)
	merge(&rt.ContainerTimeoutMs, overlay.ContainerTimeoutMs)
	merge(&rt.MaxToolSteps, overlay.MaxToolSteps)
	merge(&rt.HeartbeatGraceMs, overlay.HeartbeatGraceMs)
	merge(&rt.WakeGraceMs, overlay.WakeGraceMs)
	merge(&rt.EditIntervalMs, overlay.EditIntervalMs)
	merge(&rt.MaxEditLength, overlay.MaxEditLength)
	merge(&rt.SchedulerPollMs, overlay.SchedulerPollMs)
	merge(&rt.TaskLeaseMs, overlay.TaskLeaseMs)
	merge(&rt.TaskMaxRetries, overlay.TaskMaxRetries)
	merge(&rt.TaskRetryBaseMs, overlay.TaskRetryBaseMs)
	merge(&rt.TaskRetryMaxMs, overlay.TaskRetryMaxMs)
	merge(&rt.IPCPollIntervalMs, overlay.IPCPollIntervalMs)
	merge(&rt.RateLimitMessages, overlay.RateLimitMessages)
	merge(&rt.RateLimitWindowMs, overlay.RateLimitWindowMs)
	merge(&rt.RecallMaxResults, overlay.RecallMaxResults)
	merge(&rt.RecallMaxTokens, overlay.RecallMaxTokens)
	return rt, nil
}

// Duration helpers keep call sites readable.

func (r Runtime) BatchWindow() time.Duration      { return time.Duration(r.BatchWindowMs) * time.Millisecond }
func (r Runtime) StalledAfter() time.Duration     { return time.Duration(r.StalledAfterMs) * time.Millisecond }
func (r Runtime) RetryBackoff() time.Duration     { return time.Duration(r.RetryBackoffMs) * time.Millisecond }
func (r Runtime) LaneStarvation() time.Duration   { return time.Duration(r.LaneStarvationMs) * time.Millisecond }
func (r Runtime) ContainerTimeout() time.Duration { return time.Duration(r.ContainerTimeoutMs) * time.Millisecond }
func (r Runtime) HeartbeatGrace() time.Duration   { return time.Duration(r.HeartbeatGraceMs) * time.Millisecond }
func (r Runtime) WakeGrace() time.Duration        { return time.Duration(r.WakeGraceMs) * time.Millisecond }
func (r Runtime) EditInterval() time.Duration     { return time.Duration(r.EditIntervalMs) * time.Millisecond }
func (r Runtime) SchedulerPoll() time.Duration    { return time.Duration(r.SchedulerPollMs) * time.Millisecond }
func (r Runtime) TaskLease() time.Duration        { return time.Duration(r.TaskLeaseMs) * time.Millisecond }
func (r Runtime) TaskRetryBase() time.Duration    { return time.Duration(r.TaskRetryBaseMs) * time.Millisecond }
func (r Runtime) TaskRetryMax() time.Duration     { return time.Duration(r.TaskRetryMaxMs) * time.Millisecond }
func (r Runtime) IPCPollInterval() time.Duration  { return time.Duration(r.IPCPollIntervalMs) * time.Millisecond }
func (r Runtime) RateLimitWindow() time.Duration  { return time.Duration(r.RateLimitWindowMs) * time.Millisecond }
