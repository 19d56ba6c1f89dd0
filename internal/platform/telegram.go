package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/dotclaw/internal/bus"
	"github.com/basket/dotclaw/internal/config"
	"github.com/basket/dotclaw/internal/queue"
	"github.com/basket/dotclaw/internal/sandbox"
	"github.com/basket/dotclaw/internal/shared"
)

const (
	telegramMaxMessage = 4096

	// Long poll is 60s; silence past this means a dead connection the
	// library will not surface on its own.
	stallTimeout = 150 * time.Second

	maxAttachmentBytes = 10 << 20
)

// TelegramConfig wires a Telegram adapter.
type TelegramConfig struct {
	Token          string
	AllowedUserIDs []int64
	Queue          *queue.Store
	Bus            *bus.Bus
	Logger         *slog.Logger
	Runtime        func() config.Runtime
}

// Telegram is the Telegram platform adapter: long-poll inbound updates
// into the queue, deliver output back, stream partial output by editing
// a placeholder message in place.
type Telegram struct {
	cfg     TelegramConfig
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
	limiter *RateLimiter

	streamMu sync.Mutex
	streams  map[string]*streamState // run id -> state
	latest   map[string]*streamState // chat id -> unconsumed stream message
}

// streamState tracks the placeholder message being edited for a run.
type streamState struct {
	chatNative int64
	messageID  int
	lastText   string
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rt := cfg.Runtime()
	return &Telegram{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "telegram"),
		limiter: NewRateLimiter(rt.RateLimitMessages, rt.RateLimitWindow()),
		streams: make(map[string]*streamState),
		latest:  make(map[string]*streamState),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects and long-polls until ctx is done, reconnecting with
// exponential backoff on transient failures.
func (t *Telegram) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.logger.Info("telegram connected", "user", t.bot.Self.UserName)

	go t.consumeStreamChunks(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done or the connection stalls.
// Returns nil only on cancellation.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if len(t.cfg.AllowedUserIDs) > 0 && !t.allowed(msg.From.ID) {
		t.logger.Warn("access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		content = strings.TrimSpace(msg.Caption)
	}
	attachments := t.fetchAttachments(msg)
	if content == "" && len(attachments) == 0 {
		return
	}

	userKey := shared.ChatIDFor("telegram", strconv.FormatInt(msg.From.ID, 10))
	if ok, retryAfter := t.limiter.Allow(userKey); !ok {
		t.reply(msg.Chat.ID, fmt.Sprintf("Rate limit exceeded. Try again in %ds.", int(retryAfter.Seconds())+1))
		return
	}

	inbound := bus.InboundMessage{
		ChatID:      shared.ChatIDFor("telegram", strconv.FormatInt(msg.Chat.ID, 10)),
		MessageID:   strconv.Itoa(msg.MessageID),
		SenderID:    userKey,
		SenderName:  senderName(msg.From),
		Content:     content,
		Timestamp:   msg.Time(),
		Attachments: attachments,
	}
	if _, err := t.cfg.Queue.Enqueue(ctx, inbound); err != nil {
		if errors.Is(err, queue.ErrDuplicateMessage) {
			return
		}
		t.logger.Error("enqueue failed", "chat_id", inbound.ChatID, "error", err)
		t.reply(msg.Chat.ID, "Something went wrong accepting that message.")
	}
}

func (t *Telegram) allowed(userID int64) bool {
	for _, id := range t.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// fetchAttachments downloads photo and image-document payloads. Failures
// drop the attachment, never the message.
func (t *Telegram) fetchAttachments(msg *tgbotapi.Message) []bus.Attachment {
	var out []bus.Attachment

	if len(msg.Photo) > 0 {
		// Telegram sends multiple resolutions; the last is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		if data, err := t.downloadFile(best.FileID); err == nil {
			out = append(out, bus.Attachment{MIMEType: "image/jpeg", Size: int64(len(data)), Data: data})
		} else {
			t.logger.Warn("photo download failed", "error", err)
		}
	}
	if doc := msg.Document; doc != nil && strings.HasPrefix(doc.MimeType, "image/") {
		if data, err := t.downloadFile(doc.FileID); err == nil {
			out = append(out, bus.Attachment{MIMEType: doc.MimeType, Size: int64(len(data)), Data: data})
		} else {
			t.logger.Warn("document download failed", "error", err)
		}
	}
	return out
}

func (t *Telegram) downloadFile(fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}
	return data, nil
}

// consumeStreamChunks edits a placeholder message in place as partial
// output arrives. Chunk cadence is already throttled upstream; this side
// only enforces the edit length cap.
func (t *Telegram) consumeStreamChunks(ctx context.Context) {
	if t.cfg.Bus == nil {
		return
	}
	sub := t.cfg.Bus.Subscribe(bus.TopicRunStreamChunk)
	defer t.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			chunk, ok := ev.Payload.(sandbox.StreamChunk)
			if !ok {
				continue
			}
			t.applyStreamChunk(chunk)
		}
	}
}

func (t *Telegram) applyStreamChunk(chunk sandbox.StreamChunk) {
	provider, native := shared.SplitChatID(chunk.ChatID)
	if provider != "telegram" {
		return
	}
	chatNative, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return
	}

	text := chunk.Text
	maxLen := t.cfg.Runtime().MaxEditLength
	if len(text) > maxLen {
		text = text[:maxLen]
	}

	t.streamMu.Lock()
	state, exists := t.streams[chunk.RunID]
	if !exists {
		if chunk.Done || text == "" {
			t.streamMu.Unlock()
			return
		}
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatNative, text))
		if err != nil {
			t.streamMu.Unlock()
			t.logger.Warn("stream placeholder send failed", "chat_id", chunk.ChatID, "error", err)
			return
		}
		state = &streamState{chatNative: chatNative, messageID: sent.MessageID, lastText: text}
		t.streams[chunk.RunID] = state
		t.latest[chunk.ChatID] = state
		t.streamMu.Unlock()
		return
	}
	if chunk.Done {
		delete(t.streams, chunk.RunID)
	}
	if text == "" || text == state.lastText {
		t.streamMu.Unlock()
		return
	}
	state.lastText = text
	messageID := state.messageID
	t.streamMu.Unlock()

	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatNative, messageID, text)); err != nil {
		t.logger.Warn("stream edit failed", "chat_id", chunk.ChatID, "error", err)
	}
}

// Send delivers final output. When a streaming placeholder exists for the
// chat it is finalized in place; overflow past the platform limit goes
// out as follow-up messages.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	provider, native := shared.SplitChatID(chatID)
	if provider != "telegram" {
		return fmt.Errorf("chat %q is not a telegram chat", chatID)
	}
	chatNative, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	chunks := splitMessage(text, telegramMaxMessage)
	if len(chunks) == 0 {
		return nil
	}

	t.streamMu.Lock()
	state := t.latest[chatID]
	delete(t.latest, chatID)
	t.streamMu.Unlock()

	start := 0
	if state != nil {
		if chunks[0] != state.lastText {
			if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatNative, state.messageID, chunks[0])); err != nil {
				t.logger.Warn("final stream edit failed", "chat_id", chatID, "error", err)
			}
		}
		start = 1
	}
	for _, c := range chunks[start:] {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatNative, c)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendMessage sends one message and returns its platform id (IPC surface).
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	chatNative, err := t.nativeChat(chatID)
	if err != nil {
		return "", err
	}
	if len(text) > telegramMaxMessage {
		text = text[:telegramMaxMessage]
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatNative, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	chatNative, err := t.nativeChat(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	if len(text) > telegramMaxMessage {
		text = text[:telegramMaxMessage]
	}
	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatNative, msgID, text)); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	chatNative, err := t.nativeChat(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatNative, msgID)); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

func (t *Telegram) nativeChat(chatID string) (int64, error) {
	provider, native := shared.SplitChatID(chatID)
	if provider != "telegram" {
		return 0, fmt.Errorf("chat %q is not a telegram chat", chatID)
	}
	id, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

func (t *Telegram) reply(chatNative int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatNative, text)); err != nil {
		t.logger.Error("telegram reply failed", "error", err)
	}
}

// splitMessage breaks text into platform-sized chunks, preferring line
// boundaries.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			// No usable line break; back off to a rune boundary so a
			// multi-byte character is never split across chunks.
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
