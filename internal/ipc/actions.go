package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/dotclaw/internal/failover"
	"github.com/basket/dotclaw/internal/memory"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/scheduler"
	"github.com/basket/dotclaw/internal/shared"
)

// dispatch routes a validated, authorized request to its subsystem.
// source is the group whose directory the file came from; target is the
// group being acted on (equal to source unless main acts cross-group).
func (d *Dispatcher) dispatch(ctx context.Context, source, target string, req Request) (any, error) {
	switch req.Action {
	case "memory_upsert":
		return d.memoryUpsert(ctx, source, target, req)
	case "memory_forget":
		return d.memoryForget(ctx, source, req)
	case "memory_list":
		return d.memoryList(ctx, target, req)
	case "memory_search":
		return d.memorySearch(ctx, target, req)
	case "memory_stats":
		return d.deps.Memory.Stats(ctx)

	case "schedule_task":
		return d.scheduleTask(ctx, target, req)
	case "pause_task":
		return nil, d.taskAction(ctx, target, req, d.deps.Tasks.Pause)
	case "resume_task":
		return nil, d.taskAction(ctx, target, req, d.deps.Tasks.Resume)
	case "cancel_task":
		return nil, d.taskAction(ctx, target, req, d.deps.Tasks.Delete)
	case "run_task":
		return nil, d.taskAction(ctx, target, req, d.deps.Tasks.RunNow)
	case "list_tasks":
		return d.deps.Tasks.List(ctx, target)

	case "set_model":
		return nil, d.setModel(source, target, req)
	case "set_tool_policy":
		return nil, d.writeConfigFile(source, d.deps.Paths.ToolPolicyConfig(), req)
	case "set_behavior":
		return nil, d.writeConfigFile(source, d.deps.Paths.BehaviorConfig(), req)
	case "get_config":
		return d.getConfig(target), nil

	case "register_group":
		return d.registerGroup(source, req)
	case "remove_group":
		return nil, d.removeGroup(source, req)
	case "list_groups":
		return d.deps.Groups.List(), nil

	case "send_message":
		return d.sendMessage(ctx, target, req)
	case "edit_message":
		return nil, d.editMessage(ctx, target, req)
	case "delete_message":
		return nil, d.deleteMessage(ctx, target, req)

	case "spawn_subagent":
		return d.spawnSubagent(ctx, target, req)
	case "subagent_status", "subagent_result":
		return d.subagentStatus(req)

	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func requireMain(source, action string) error {
	if source != shared.MainGroup {
		return fmt.Errorf("action %q requires the main group", action)
	}
	return nil
}

// Memory actions.

type memoryUpsertPayload struct {
	Content    string   `json:"content"`
	Scope      string   `json:"scope,omitempty"`
	SubjectID  string   `json:"subject_id,omitempty"`
	Type       string   `json:"type,omitempty"`
	Key        string   `json:"key,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
}

func (d *Dispatcher) memoryUpsert(ctx context.Context, source, target string, req Request) (any, error) {
	p, err := decodePayload[memoryUpsertPayload](req.Payload)
	if err != nil {
		return nil, err
	}
	e := memory.Entry{
		Group:      target,
		Scope:      p.Scope,
		SubjectID:  p.SubjectID,
		Type:       p.Type,
		Key:        p.Key,
		Content:    p.Content,
		Tags:       p.Tags,
		Importance: p.Importance,
		Confidence: p.Confidence,
		Source:     p.Source,
	}
	if p.ExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, p.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("invalid expires_at: %w", err)
		}
		e.ExpiresAt = &at
	}
	// Scope enforcement keys off the writer, so a non-main group asking
	// for global scope gets downgraded inside the store.
	return d.deps.Memory.Upsert(ctx, e, source)
}

func (d *Dispatcher) memoryForget(ctx context.Context, source string, req Request) (any, error) {
	p, err := decodePayload[struct {
		ID        int64  `json:"id,omitempty"`
		Content   string `json:"content,omitempty"`
		Scope     string `json:"scope,omitempty"`
		SubjectID string `json:"subject_id,omitempty"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	if p.ID != 0 {
		return nil, d.deps.Memory.Forget(ctx, p.ID, source)
	}
	if p.Content != "" {
		return nil, d.deps.Memory.ForgetContent(ctx, p.Content, p.Scope, p.SubjectID, source)
	}
	return nil, fmt.Errorf("memory_forget needs an id or content")
}

func (d *Dispatcher) memoryList(ctx context.Context, target string, req Request) (any, error) {
	p, err := decodePayload[struct {
		Limit int `json:"limit,omitempty"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Memory.List(ctx, target, p.Limit)
}

func (d *Dispatcher) memorySearch(ctx context.Context, target string, req Request) (any, error) {
	p, err := decodePayload[struct {
		Query      string `json:"query"`
		User       string `json:"user,omitempty"`
		MaxResults int    `json:"max_results,omitempty"`
		MaxTokens  int    `json:"max_tokens,omitempty"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	rt := d.deps.Runtime()
	if p.MaxResults <= 0 {
		p.MaxResults = rt.RecallMaxResults
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = rt.RecallMaxTokens
	}
	return d.deps.Memory.Recall(ctx, target, p.User, p.Query, p.MaxResults, p.MaxTokens)
}

// Task actions.

type scheduleTaskPayload struct {
	Prompt      string `json:"prompt"`
	Kind        string `json:"kind"`
	Expr        string `json:"expr"`
	Timezone    string `json:"timezone,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	ContextMode string `json:"context_mode,omitempty"`
}

func (d *Dispatcher) scheduleTask(ctx context.Context, target string, req Request) (any, error) {
	p, err := decodePayload[scheduleTaskPayload](req.Payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Tasks.Create(ctx, scheduler.Task{
		Group:       target,
		ChatID:      p.ChatID,
		Prompt:      p.Prompt,
		Kind:        p.Kind,
		Expr:        p.Expr,
		Timezone:    p.Timezone,
		ContextMode: p.ContextMode,
		CreatedBy:   "agent",
	})
}

// taskAction applies a mutation after checking the task belongs to the
// target group.
func (d *Dispatcher) taskAction(ctx context.Context, target string, req Request, fn func(context.Context, int64) error) error {
	p, err := decodePayload[struct {
		TaskID int64 `json:"task_id"`
	}](req.Payload)
	if err != nil {
		return err
	}
	task, err := d.deps.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return err
	}
	if task.Group != target {
		return fmt.Errorf("task %d belongs to group %q", p.TaskID, task.Group)
	}
	return fn(ctx, p.TaskID)
}

// Config actions.

func (d *Dispatcher) setModel(source, target string, req Request) error {
	p, err := decodePayload[struct {
		Model string `json:"model"`
		Scope string `json:"scope,omitempty"` // "global" or empty for the target group
	}](req.Payload)
	if err != nil {
		return err
	}
	if p.Model == "" {
		return fmt.Errorf("set_model: empty model")
	}

	cfg := d.deps.Policy.Config()
	if p.Scope == "global" {
		if err := requireMain(source, "set_model (global)"); err != nil {
			return err
		}
		cfg.Default = p.Model
	} else {
		// Copy the routes map: the live one is shared with policy readers.
		routes := make(map[string]failover.Route, len(cfg.Groups)+1)
		for k, v := range cfg.Groups {
			routes[k] = v
		}
		route := routes[target]
		route.Model = p.Model
		routes[target] = route
		cfg.Groups = routes
	}
	if err := shared.WriteJSONAtomic(d.deps.Paths.ModelConfig(), cfg, 0o644); err != nil {
		return fmt.Errorf("persist model config: %w", err)
	}
	d.deps.Policy.Reload(cfg)
	return nil
}

// writeConfigFile persists a main-only config document verbatim.
func (d *Dispatcher) writeConfigFile(source, path string, req Request) error {
	if err := requireMain(source, req.Action); err != nil {
		return err
	}
	doc, err := decodePayload[map[string]any](req.Payload)
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		return fmt.Errorf("%s: empty payload", req.Action)
	}
	if err := shared.WriteJSONAtomic(path, doc, 0o644); err != nil {
		return fmt.Errorf("persist %s: %w", path, err)
	}
	return nil
}

func (d *Dispatcher) getConfig(target string) any {
	rt := d.deps.Runtime()
	cfg := d.deps.Policy.Config()
	out := map[string]any{
		"runtime": rt,
		"model":   cfg.Default,
	}
	if route, ok := cfg.Groups[target]; ok && route.Model != "" {
		out["model"] = route.Model
	}
	if rec, ok := d.deps.Groups.Get(target); ok {
		out["group"] = rec
	}
	return out
}

// Group registry actions.

func (d *Dispatcher) registerGroup(source string, req Request) (any, error) {
	if err := requireMain(source, "register_group"); err != nil {
		return nil, err
	}
	p, err := decodePayload[struct {
		Folder string `json:"folder"`
		Name   string `json:"name,omitempty"`
		ChatID string `json:"chat_id,omitempty"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	return d.deps.Groups.Register(p.Folder, p.Name, p.ChatID)
}

func (d *Dispatcher) removeGroup(source string, req Request) error {
	if err := requireMain(source, "remove_group"); err != nil {
		return err
	}
	p, err := decodePayload[struct {
		Folder string `json:"folder"`
	}](req.Payload)
	if err != nil {
		return err
	}
	return d.deps.Groups.Remove(p.Folder)
}

// Platform message actions.

type messagePayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// authorizeChat rejects actions on chats outside the target group.
func (d *Dispatcher) authorizeChat(target, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("missing chat_id")
	}
	if owner := d.deps.Groups.GroupForChat(chatID); owner != target {
		return fmt.Errorf("chat %q belongs to group %q", chatID, owner)
	}
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, target string, req Request) (any, error) {
	p, err := decodePayload[messagePayload](req.Payload)
	if err != nil {
		return nil, err
	}
	if err := d.authorizeChat(target, p.ChatID); err != nil {
		return nil, err
	}
	msgID, err := d.deps.Platform.SendMessage(ctx, p.ChatID, p.Text)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": msgID}, nil
}

func (d *Dispatcher) editMessage(ctx context.Context, target string, req Request) error {
	p, err := decodePayload[messagePayload](req.Payload)
	if err != nil {
		return err
	}
	if err := d.authorizeChat(target, p.ChatID); err != nil {
		return err
	}
	return d.deps.Platform.EditMessage(ctx, p.ChatID, p.MessageID, p.Text)
}

func (d *Dispatcher) deleteMessage(ctx context.Context, target string, req Request) error {
	p, err := decodePayload[messagePayload](req.Payload)
	if err != nil {
		return err
	}
	if err := d.authorizeChat(target, p.ChatID); err != nil {
		return err
	}
	return d.deps.Platform.DeleteMessage(ctx, p.ChatID, p.MessageID)
}

// Subagent actions.

func (d *Dispatcher) spawnSubagent(ctx context.Context, target string, req Request) (any, error) {
	p, err := decodePayload[struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model,omitempty"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("spawn_subagent: empty prompt")
	}
	model := p.Model
	if model == "" {
		model, err = d.deps.Policy.Resolve(target, "", p.Prompt)
		if err != nil {
			return nil, err
		}
	}
	id := d.subagents.Spawn(ctx, sandbox.RunRequest{
		Group:        target,
		Model:        model,
		Prompt:       p.Prompt,
		MaxToolSteps: d.deps.Runtime().MaxToolSteps,
	})
	return map[string]string{"subagent_id": id}, nil
}

func (d *Dispatcher) subagentStatus(req Request) (any, error) {
	p, err := decodePayload[struct {
		SubagentID string `json:"subagent_id"`
	}](req.Payload)
	if err != nil {
		return nil, err
	}
	return d.subagents.Status(p.SubagentID)
}
