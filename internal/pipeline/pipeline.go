// Package pipeline drains the message queue into agent runs. Each chat
// gets its own drain goroutine: messages batch up during a short window,
// get claimed together, and produce one agent turn. A new message landing
// mid-run interrupts the run so the agent answers everything at once.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/failover"
	"github.com/basket/dotclaw/internal/groups"
	"github.com/basket/dotclaw/internal/lane"
	"github.com/basket/dotclaw/internal/memory"
	otelpkg "github.com/basket/dotclaw/internal/otel"
	"github.com/basket/dotclaw/internal/queue"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/shared"
)

// Attachment limits. Oversized or unsupported attachments are dropped
// with a log line, never failing the whole batch.
const (
	maxImageBytes      = 10 << 20
	maxTotalImageBytes = 20 << 20

	contextMessages = 20
)

// failureReply is the fixed user-facing message for a terminally failed
// batch; the real cause stays in the logs.
const failureReply = "Sorry, I couldn't process that message. Please try again."

var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// SendFunc delivers agent output back to the platform chat.
type SendFunc func(ctx context.Context, chatID, text string) error

// Deps wires a Pipeline.
type Deps struct {
	Queue    *queue.Store
	Memory   *memory.Store
	Policy   *failover.Policy
	Lanes    *lane.Semaphore
	Sandbox  *sandbox.Manager
	Groups   *groups.Registry
	Sessions *groups.KVFile
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Runtime  func() config.Runtime
	Send     SendFunc
}

type chatState struct {
	nudge chan struct{}

	mu          sync.Mutex
	activeRunID string
	interrupted bool
}

// Pipeline owns the per-chat drain loops.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	chats  map[string]*chatState
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Pipeline{
		deps:   deps,
		logger: deps.Logger.With("component", "pipeline"),
		tracer: deps.Tracer,
		chats:  make(map[string]*chatState),
	}
}

// Start subscribes to enqueue events and reseeds drains for chats that
// already have pending messages (crash recovery).
func (p *Pipeline) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.cancel = cancel
	p.mu.Unlock()

	sub := p.deps.Bus.Subscribe(bus.TopicMessageEnqueued)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.deps.Bus.Unsubscribe(sub)
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev := <-sub.Ch():
				if msg, ok := ev.Payload.(bus.InboundMessage); ok {
					p.Nudge(loopCtx, msg.ChatID)
				}
			}
		}
	}()

	return p.Reseed(loopCtx)
}

// Reseed nudges every chat that has eligible pending messages. Called at
// startup and after wake recovery.
func (p *Pipeline) Reseed(ctx context.Context) error {
	chats, err := p.deps.Queue.ChatsWithPending(ctx)
	if err != nil {
		return fmt.Errorf("reseed drains: %w", err)
	}
	for _, chatID := range chats {
		p.Nudge(ctx, chatID)
	}
	if len(chats) > 0 {
		p.logger.Info("reseeded drains", "chats", len(chats))
	}
	return nil
}

// Stop halts all drain loops and waits for them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Nudge wakes the chat's drain loop, starting one if needed. A nudge
// during an active run interrupts the run so the pending set is answered
// together.
func (p *Pipeline) Nudge(ctx context.Context, chatID string) {
	p.mu.Lock()
	st, ok := p.chats[chatID]
	if !ok {
		st = &chatState{nudge: make(chan struct{}, 1)}
		p.chats[chatID] = st
		p.wg.Add(1)
		go p.drainLoop(ctx, chatID, st)
	}
	p.mu.Unlock()

	st.mu.Lock()
	runID := st.activeRunID
	if runID != "" {
		st.interrupted = true
	}
	st.mu.Unlock()
	if runID != "" {
		if p.deps.Sandbox.Abort(runID) {
			p.logger.Info("run interrupted by new message", "chat_id", chatID, "run_id", runID)
		}
	}

	select {
	case st.nudge <- struct{}{}:
	default:
	}
}

func (p *Pipeline) drainLoop(ctx context.Context, chatID string, st *chatState) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.nudge:
		}
		for {
			if err := p.waitBatchWindow(ctx, chatID, st); err != nil {
				return
			}
			proceed, err := p.processBatch(ctx, chatID, st)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("batch processing failed", "chat_id", chatID, "error", err)
			}
			if !proceed {
				break
			}
		}
	}
}

// waitBatchWindow holds off claiming until the batch window has elapsed
// since the oldest pending message, or the pending count hits the batch
// cap. Rapid-fire messages coalesce into one run, and because the window
// is anchored to the oldest arrival a sustained trickle cannot push the
// first reply out indefinitely.
func (p *Pipeline) waitBatchWindow(ctx context.Context, chatID string, st *chatState) error {
	for {
		rt := p.deps.Runtime()
		oldest, count, err := p.deps.Queue.OldestPending(ctx, chatID)
		if err != nil {
			return err
		}
		if count == 0 {
			// Nothing claimable, but retries held by not_before still need
			// a wakeup when their hold passes.
			heldUntil, held, err := p.deps.Queue.NextEligible(ctx, chatID)
			if err != nil {
				return err
			}
			if !held {
				return nil
			}
			wait := time.Until(heldUntil) + 1100*time.Millisecond
			if wait < 100*time.Millisecond {
				wait = 100 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-st.nudge:
			case <-time.After(wait):
			}
			continue
		}
		if count >= rt.MaxBatchSize {
			return nil
		}
		elapsed := time.Since(oldest)
		if elapsed >= rt.BatchWindow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.nudge:
			// A new message cannot extend the window; re-check for the
			// batch cap.
		case <-time.After(rt.BatchWindow() - elapsed):
		}
	}
}

// processBatch claims and runs one batch. The bool result reports whether
// the drain loop should immediately look for more work.
func (p *Pipeline) processBatch(ctx context.Context, chatID string, st *chatState) (bool, error) {
	rt := p.deps.Runtime()

	if err := p.deps.Lanes.Acquire(ctx, lane.Interactive); err != nil {
		return false, err
	}
	defer p.deps.Lanes.Release()

	batch, err := p.deps.Queue.ClaimBatch(ctx, chatID, rt.BatchWindow(), rt.MaxBatchSize)
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}

	group := p.deps.Groups.GroupForChat(chatID)
	ctx, span := otelpkg.StartConsumerSpan(ctx, p.tracer, "pipeline.batch",
		otelpkg.AttrChatID.String(chatID),
		otelpkg.AttrGroup.String(group),
		otelpkg.AttrLane.String(string(lane.Interactive)),
		otelpkg.AttrBatch.Int(len(batch)),
	)
	defer span.End()

	err = p.runBatch(ctx, chatID, group, batch, st, rt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return true, err
}

func (p *Pipeline) runBatch(ctx context.Context, chatID, group string, batch []queue.Message, st *chatState, rt config.Runtime) error {
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	lastID := ids[len(ids)-1]
	userID := batch[len(batch)-1].SenderID

	prompt := composePrompt(batch)
	images := p.collectImages(batch)
	history, err := p.deps.Queue.RecentCompleted(ctx, chatID, contextMessages)
	if err != nil {
		return err
	}
	contextText := composeContext(history)
	memories := p.recallMemories(ctx, group, userID, prompt, rt)

	// Sessions are per group so every chat bound to the workspace shares
	// one agent context.
	sessionID, _ := p.deps.Sessions.Get(group)

	var lastErr error
	var overflowRetried, invalidRetried bool
	model, err := p.deps.Policy.Resolve(group, userID, prompt)
	for err == nil {
		runID := shared.NewRunID()
		st.mu.Lock()
		st.activeRunID = runID
		st.interrupted = false
		st.mu.Unlock()

		params := p.deps.Policy.Params(model)
		result, runErr := p.deps.Sandbox.Run(ctx, sandbox.RunRequest{
			RunID:           runID,
			TraceID:         shared.TraceID(ctx),
			Group:           group,
			ChatID:          chatID,
			Model:           model,
			SessionID:       sessionID,
			Prompt:          prompt,
			Context:         contextText,
			Memories:        memories,
			Images:          images,
			MaxToolSteps:    rt.MaxToolSteps,
			ContextWindow:   params.ContextWindow,
			MaxOutputTokens: params.MaxOutputTokens,
			Temperature:     params.Temperature,
		})

		st.mu.Lock()
		st.activeRunID = ""
		wasInterrupted := st.interrupted
		st.interrupted = false
		st.mu.Unlock()

		if runErr == nil {
			return p.finishSuccess(ctx, chatID, group, model, ids, lastID, result)
		}
		if ctx.Err() != nil {
			// Shutdown: leave messages processing, startup reset reclaims them.
			return runErr
		}
		if wasInterrupted {
			// Immediately eligible: the next claim picks these up together
			// with whatever message caused the interrupt.
			p.logger.Info("requeueing interrupted batch", "chat_id", chatID, "count", len(ids))
			return p.deps.Queue.Requeue(ctx, ids, time.Now().Add(-time.Second))
		}

		lastErr = runErr
		class := failover.Classify(runErr)
		p.deps.Policy.Cooldowns().ReportFailure(model, class, runErr.Error())
		p.logger.Warn("agent run failed", "chat_id", chatID, "model", model, "class", string(class), "error", shared.Redact(runErr.Error()))

		switch class {
		case failover.ClassRateLimit, failover.ClassTimeout, failover.ClassOverloaded, failover.ClassAuth:
			// Provider trouble: fail over to the next candidate model.
			model, err = p.deps.Policy.ResolveAfter(group, userID, prompt, model)
		case failover.ClassContextOverflow:
			if !overflowRetried {
				// Shed history and recall, then retry once on the same
				// model with just the prompt.
				overflowRetried = true
				contextText, memories = "", ""
				p.logger.Info("retrying after context overflow with shrunk context", "chat_id", chatID, "model", model)
				continue
			}
			return p.failTerminally(ctx, chatID, ids, runErr)
		case failover.ClassInvalidResponse:
			if !invalidRetried {
				invalidRetried = true
				continue
			}
			return p.failTerminally(ctx, chatID, ids, runErr)
		case failover.ClassNonRetryable:
			// Retrying a bad request reproduces the same failure; fail
			// the batch without burning the retry budget.
			return p.failTerminally(ctx, chatID, ids, runErr)
		case failover.ClassAborted:
			// A cancel that was not a new-message interrupt: drop the
			// batch without a retry or a failure notice.
			return p.deps.Queue.Fail(ctx, ids, shared.Redact(runErr.Error()))
		default:
			return p.retryOrFail(ctx, chatID, batch, rt, runErr)
		}
	}

	if lastErr == nil {
		lastErr = err
	}
	p.logger.Error("no model available for batch", "chat_id", chatID, "error", lastErr)
	return p.retryOrFail(ctx, chatID, batch, rt, lastErr)
}

func (p *Pipeline) finishSuccess(ctx context.Context, chatID, group, model string, ids []int64, lastID int64, result *sandbox.RunResult) error {
	p.deps.Policy.Cooldowns().ReportSuccess(model)
	if result.SessionID != "" {
		if err := p.deps.Sessions.Set(group, result.SessionID); err != nil {
			p.logger.Warn("persist session failed", "group", group, "error", err)
		}
	}
	if err := p.deps.Queue.Complete(ctx, ids); err != nil {
		return err
	}
	if err := p.deps.Queue.AdvanceCursor(ctx, chatID, lastID); err != nil {
		return err
	}
	if p.deps.Send != nil && result.Output != "" {
		if err := p.deps.Send(ctx, chatID, result.Output); err != nil {
			// The run is already durable; delivery failure must not rerun it.
			p.logger.Error("deliver output failed", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// failTerminally fails the whole batch and sends the fixed user-facing
// notice; the real cause goes to the queue row and the logs.
func (p *Pipeline) failTerminally(ctx context.Context, chatID string, ids []int64, cause error) error {
	p.logger.Warn("messages failed terminally", "chat_id", chatID, "count", len(ids), "error", cause)
	if err := p.deps.Queue.Fail(ctx, ids, shared.Redact(cause.Error())); err != nil {
		return err
	}
	if p.deps.Send != nil {
		if err := p.deps.Send(ctx, chatID, failureReply); err != nil {
			p.logger.Error("deliver failure notice failed", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// retryOrFail splits the batch by retry budget: messages with attempts
// left requeue with exponential backoff, exhausted ones fail terminally.
func (p *Pipeline) retryOrFail(ctx context.Context, chatID string, batch []queue.Message, rt config.Runtime, cause error) error {
	var retry, exhausted []int64
	minAttempts := 0
	for _, m := range batch {
		if m.AttemptCount >= rt.MaxRetries {
			exhausted = append(exhausted, m.ID)
			continue
		}
		retry = append(retry, m.ID)
		if minAttempts == 0 || m.AttemptCount < minAttempts {
			minAttempts = m.AttemptCount
		}
	}
	if len(exhausted) > 0 {
		if err := p.failTerminally(ctx, chatID, exhausted, cause); err != nil {
			return err
		}
	}
	if len(retry) > 0 {
		if minAttempts < 1 {
			minAttempts = 1
		}
		backoff := rt.RetryBackoff() << (minAttempts - 1)
		if limit := 5 * time.Minute; backoff > limit {
			backoff = limit
		}
		if err := p.deps.Queue.Requeue(ctx, retry, time.Now().Add(backoff)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) recallMemories(ctx context.Context, group, user, query string, rt config.Runtime) string {
	hits, err := p.deps.Memory.Recall(ctx, group, user, query, rt.RecallMaxResults, rt.RecallMaxTokens)
	if err != nil {
		p.logger.Warn("memory recall failed", "group", group, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, h := range hits {
		b.WriteString("- ")
		b.WriteString(h.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// collectImages converts supported image attachments into inline base64
// payloads, enforcing per-image and per-batch size caps.
func (p *Pipeline) collectImages(batch []queue.Message) []sandbox.Image {
	var images []sandbox.Image
	var total int64
	for _, m := range batch {
		attachments, err := m.DecodeAttachments()
		if err != nil {
			p.logger.Warn("decode attachments failed", "message_id", m.MessageID, "error", err)
			continue
		}
		for _, a := range attachments {
			switch {
			case !supportedImageTypes[a.MIMEType]:
				p.logger.Info("dropping unsupported attachment", "mime_type", a.MIMEType)
			case int64(len(a.Data)) > maxImageBytes:
				p.logger.Warn("dropping oversized attachment", "mime_type", a.MIMEType, "bytes", len(a.Data))
			case total+int64(len(a.Data)) > maxTotalImageBytes:
				p.logger.Warn("image budget exhausted for batch", "mime_type", a.MIMEType)
			default:
				total += int64(len(a.Data))
				images = append(images, sandbox.Image{
					MIMEType: a.MIMEType,
					Base64:   base64.StdEncoding.EncodeToString(a.Data),
				})
			}
		}
	}
	return images
}

func composePrompt(batch []queue.Message) string {
	var b strings.Builder
	for _, m := range batch {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "%s: %s", name, m.Content)
	}
	return b.String()
}

func composeContext(history []queue.Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range history {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Content)
	}
	return b.String()
}
