// Package platform holds the messaging adapters. An adapter normalizes
// inbound platform updates into the durable queue and delivers agent
// output back, including edit-in-place streaming.
package platform

import (
	"context"
)

// Adapter is a messaging platform integration. Start blocks until the
// context is canceled or a fatal error occurs; transient disconnects are
// the adapter's problem to retry.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error

	// Send delivers final agent output to a chat, chunking as the
	// platform requires. Used by the pipeline.
	Send(ctx context.Context, chatID, text string) error

	// SendMessage, EditMessage and DeleteMessage are the agent-facing
	// message operations exposed through IPC.
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}
