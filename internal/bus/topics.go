package bus

import "time"

// Message lifecycle topics.
const (
	TopicMessageEnqueued = "message.enqueued"
	TopicMessageBatched  = "message.batched"
	TopicMessageComplete = "message.completed"
	TopicMessageFailed   = "message.failed"
	TopicMessageRequeued = "message.requeued"
)

// Agent run topics.
const (
	TopicRunStarted     = "run.started"
	TopicRunCompleted   = "run.completed"
	TopicRunFailed      = "run.failed"
	TopicRunInterrupted = "run.interrupted"
	TopicRunStreamChunk = "run.stream_chunk"
)

// Scheduled task topics.
const (
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskPaused    = "task.paused"
)

// Model failover topics.
const (
	TopicModelCooldown = "model.cooldown"
	TopicModelCleared  = "model.cooldown_cleared"
)

// Host lifecycle topics.
const (
	TopicWakeDetected   = "host.wake_detected"
	TopicConfigReloaded = "host.config_reloaded"
	TopicDaemonRespawn  = "host.daemon_respawned"
)

// InboundMessage is the normalized platform event consumed by the pipeline.
// Every platform adapter converts its native update type into this.
type InboundMessage struct {
	ChatID     string // canonical "<provider>:<native-id>"
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	ChannelID  string
	ThreadID   string
	Timestamp  time.Time
	Attachments []Attachment
}

// Attachment is a media item carried with an inbound message.
type Attachment struct {
	MIMEType string
	Size     int64
	Data     []byte // already fetched; empty for unsupported types
}

// RunEvent carries metadata for run lifecycle topics.
type RunEvent struct {
	TraceID string
	ChatID  string
	Group   string
	Model   string
	Lane    string
	Err     string
}

// TaskEvent carries metadata for scheduled task topics.
type TaskEvent struct {
	TaskID int64
	Group  string
	ChatID string
	Status string
	Err    string
}

// CooldownEvent carries metadata for model cooldown topics.
type CooldownEvent struct {
	Model    string
	Category string
	Until    time.Time
	Level    int
}
