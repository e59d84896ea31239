// Package chat coordinates the message-mutation state machine: it owns the
// persisted history, drives the stream controller, and keeps the page cache
// coherent across send, resend, regenerate, edit and delete.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CJackHwang/HeyMean-sub000/internal/cache"
	"github.com/CJackHwang/HeyMean-sub000/internal/model"
	"github.com/CJackHwang/HeyMean-sub000/internal/provider"
	"github.com/CJackHwang/HeyMean-sub000/internal/storage"
	"github.com/CJackHwang/HeyMean-sub000/internal/stream"
	"github.com/CJackHwang/HeyMean-sub000/internal/thinking"
)

// historyLimit caps how many prior messages are replayed to the provider.
const historyLimit = 200

var (
	ErrNotUserMessage = errors.New("message was not sent by the user")
	ErrNotAIMessage   = errors.New("message was not sent by the assistant")
	ErrNoUserTurn     = errors.New("no user message immediately precedes the assistant message")
)

// Severity grades a notification.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier receives user-visible, non-fatal notices. Only storage failures
// are routed here; provider failures become the assistant's reply text so
// the transcript stays self-explanatory.
type Notifier interface {
	Notify(severity Severity, text string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(severity Severity, text string)

func (f NotifierFunc) Notify(severity Severity, text string) { f(severity, text) }

// Hooks let a UI observe streaming progress. Both callbacks are optional and
// are invoked from the goroutine running the operation.
type Hooks struct {
	// OnUpdate fires with the current snapshot of the assistant placeholder
	// after every chunk and on finalization.
	OnUpdate func(msg model.Message)
	// OnRemove fires when a cancelled placeholder is discarded unpersisted.
	OnRemove func(messageID string)
}

// Manager is the top-level coordinator for one chat session.
type Manager struct {
	store    *storage.Store
	pages    *cache.Cache
	streams  *stream.Controller
	cfg      stream.Config
	notifier Notifier
	logger   zerolog.Logger
	hooks    Hooks

	mu     sync.Mutex
	active int
}

// NewManager wires the session's collaborators together.
func NewManager(store *storage.Store, pages *cache.Cache, streams *stream.Controller, cfg stream.Config, notifier Notifier, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		pages:    pages,
		streams:  streams,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// SetHooks installs UI callbacks. Call before any operation starts.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// Streaming reports whether a response stream is in flight.
func (m *Manager) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active > 0
}

// Cancel aborts the in-flight stream, if any. The cancelled placeholder is
// dropped without persisting and without any error text.
func (m *Manager) Cancel() { m.streams.Cancel() }

// Send persists a new user message, creating the conversation on first send,
// then streams the assistant reply. Provider failures are rendered as the
// reply's own text, so a non-nil error here means the message itself could
// not be recorded.
func (m *Manager) Send(ctx context.Context, conversationID, text string, attachments []model.Attachment) (string, error) {
	if conversationID == "" {
		now := time.Now()
		conv := model.Conversation{
			ID:        model.NewID(),
			Title:     model.DeriveTitle(text, attachments),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.CreateConversation(ctx, conv); err != nil {
			m.notifyStorage("create conversation", err)
			return "", err
		}
		conversationID = conv.ID
	}

	userMsg := model.NewUserMessage(conversationID, text, attachments)
	history, err := m.historyBefore(ctx, conversationID, userMsg.ID)
	if err != nil {
		m.notifyStorage("load history", err)
		return conversationID, err
	}
	if err := m.store.AddMessage(ctx, userMsg); err != nil {
		m.notifyStorage("save message", err)
		return conversationID, err
	}
	m.pages.Delete(conversationID)

	aiMsg := model.NewPlaceholder(conversationID)
	m.runStream(ctx, history, userMsg, &aiMsg, m.store.AddMessage)
	return conversationID, nil
}

// Resend replays an existing user message: everything persisted after it is
// removed in one transaction, then it is re-sent with a fresh assistant id.
func (m *Manager) Resend(ctx context.Context, userMessageID string) error {
	userMsg, err := m.store.GetMessage(ctx, userMessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if userMsg.Sender != model.SenderUser {
		return ErrNotUserMessage
	}

	m.streams.Cancel()
	if err := m.store.DeleteMessagesAfter(ctx, userMsg.ConversationID, userMsg.ID); err != nil {
		m.pages.Delete(userMsg.ConversationID)
		m.notifyStorage("truncate history", err)
		return err
	}
	m.pages.Delete(userMsg.ConversationID)

	history, err := m.historyBefore(ctx, userMsg.ConversationID, userMsg.ID)
	if err != nil {
		m.notifyStorage("load history", err)
		return err
	}

	aiMsg := model.NewPlaceholder(userMsg.ConversationID)
	m.runStream(ctx, history, userMsg, &aiMsg, m.store.AddMessage)
	return nil
}

// Regenerate re-streams the reply to the user message immediately preceding
// aiMessageID, overwriting that assistant message in place. No other message
// is touched.
func (m *Manager) Regenerate(ctx context.Context, aiMessageID string) error {
	aiMsg, err := m.store.GetMessage(ctx, aiMessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if aiMsg.Sender != model.SenderAI {
		return ErrNotAIMessage
	}

	prior, err := m.historyBefore(ctx, aiMsg.ConversationID, aiMsg.ID)
	if err != nil {
		m.notifyStorage("load history", err)
		return err
	}
	if len(prior) == 0 || prior[len(prior)-1].Sender != model.SenderUser {
		return ErrNoUserTurn
	}
	userMsg := prior[len(prior)-1]
	history := prior[:len(prior)-1]

	m.streams.Cancel()

	// Same id, blank slate: the stream fills the existing row back in.
	aiMsg.Text = ""
	aiMsg.ThinkingText = ""
	aiMsg.IsThinkingDone = false
	aiMsg.ThinkingStartTime = time.Time{}
	aiMsg.ThinkingDuration = 0
	aiMsg.IsLoading = true

	m.runStream(ctx, history, userMsg, &aiMsg, m.store.UpdateMessage)
	return nil
}

// Edit rewrites a user message in place and cascade-deletes every later
// message in the conversation. If the edited message opened the conversation
// the title is re-derived from the new content. The caller decides whether
// to follow up with Resend or Regenerate.
func (m *Manager) Edit(ctx context.Context, messageID, newText string, attachments []model.Attachment) (model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.Sender != model.SenderUser {
		return model.Message{}, ErrNotUserMessage
	}

	m.streams.Cancel()
	defer m.pages.Delete(msg.ConversationID)

	msg.Text = newText
	if attachments != nil {
		msg.Attachments = attachments
	}
	if err := m.store.DeleteMessagesAfter(ctx, msg.ConversationID, msg.ID); err != nil {
		m.notifyStorage("truncate history", err)
		return model.Message{}, err
	}
	if err := m.store.UpdateMessage(ctx, msg); err != nil {
		m.notifyStorage("save message", err)
		return model.Message{}, err
	}

	prior, err := m.historyBefore(ctx, msg.ConversationID, msg.ID)
	if err == nil && len(prior) == 0 {
		title := model.DeriveTitle(msg.Text, msg.Attachments)
		if err := m.store.UpdateConversationTitle(ctx, msg.ConversationID, title); err != nil {
			m.notifyStorage("rename conversation", err)
		}
	}
	return msg, nil
}

// Delete removes one message.
func (m *Manager) Delete(ctx context.Context, conversationID, messageID string) error {
	return m.BatchDelete(ctx, conversationID, []string{messageID})
}

// BatchDelete removes a set of messages in one transaction.
func (m *Manager) BatchDelete(ctx context.Context, conversationID string, messageIDs []string) error {
	defer m.pages.Delete(conversationID)
	if err := m.store.DeleteMessages(ctx, conversationID, messageIDs); err != nil {
		m.notifyStorage("delete messages", err)
		return err
	}
	return nil
}

// ClearConversation removes every message but keeps the conversation.
func (m *Manager) ClearConversation(ctx context.Context, conversationID string) error {
	m.streams.Cancel()
	defer m.pages.Delete(conversationID)
	if err := m.store.ClearMessages(ctx, conversationID); err != nil {
		m.notifyStorage("clear conversation", err)
		return err
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	m.streams.Cancel()
	defer m.pages.Delete(conversationID)
	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		m.notifyStorage("delete conversation", err)
		return err
	}
	return nil
}

// RenameConversation sets a new title.
func (m *Manager) RenameConversation(ctx context.Context, conversationID, title string) error {
	defer m.pages.Delete(conversationID)
	if err := m.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		m.notifyStorage("rename conversation", err)
		return err
	}
	return nil
}

// SetPinned pins or unpins a conversation in the list ordering.
func (m *Manager) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	if err := m.store.SetPinned(ctx, conversationID, pinned); err != nil {
		m.notifyStorage("pin conversation", err)
		return err
	}
	return nil
}

// Conversations lists all conversations, pinned first.
func (m *Manager) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return m.store.ListConversations(ctx)
}

// Messages returns the cached first page for a conversation.
func (m *Manager) Messages(ctx context.Context, conversationID string) (*cache.Entry, error) {
	return m.pages.Load(ctx, conversationID)
}

// Preload warms the page cache for a conversation, best effort.
func (m *Manager) Preload(ctx context.Context, conversationID string) {
	m.pages.Preload(ctx, conversationID)
}

// runStream drives one assistant response to completion. Exactly one of
// three endings happens: the finalized message is persisted, a terminal
// provider error is persisted as the message's own text, or a cancellation
// discards the placeholder entirely.
func (m *Manager) runStream(ctx context.Context, history []model.Message, userMsg model.Message, aiMsg *model.Message, persist func(context.Context, model.Message) error) {
	m.enter()
	defer m.leave()
	defer m.pages.Delete(aiMsg.ConversationID)

	m.emit(*aiMsg)
	final, err := m.streams.Start(ctx, history, userMsg, aiMsg.ID, m.cfg, func(accumulated string) {
		m.applyAccumulated(aiMsg, accumulated)
		m.emit(*aiMsg)
	})
	if err != nil {
		if provider.IsCancelled(err) {
			m.logger.Debug().Str("message_id", aiMsg.ID).Msg("stream cancelled, placeholder dropped")
			m.remove(aiMsg.ID)
			return
		}
		aiMsg.Text = provider.UserText(err)
		aiMsg.ThinkingText = ""
		aiMsg.IsLoading = false
		m.emit(*aiMsg)
		if perr := persist(ctx, *aiMsg); perr != nil {
			m.notifyStorage("save message", perr)
		}
		return
	}

	m.applyAccumulated(aiMsg, final)
	m.finishThinking(aiMsg)
	aiMsg.IsLoading = false
	m.emit(*aiMsg)
	if perr := persist(ctx, *aiMsg); perr != nil {
		m.notifyStorage("save message", perr)
	}
}

// applyAccumulated re-parses the whole accumulation and updates the
// placeholder. ThinkingStartTime is set on the first observed reasoning text
// and ThinkingDuration is written at most once, when the block closes.
func (m *Manager) applyAccumulated(aiMsg *model.Message, accumulated string) {
	res := thinking.Parse(accumulated)
	if res.Thinking != "" && aiMsg.ThinkingStartTime.IsZero() {
		aiMsg.ThinkingStartTime = time.Now()
	}
	if res.Thinking != "" || !aiMsg.IsThinkingDone {
		aiMsg.ThinkingText = res.Thinking
	}
	aiMsg.Text = res.Final
	if res.Complete && !aiMsg.IsThinkingDone {
		aiMsg.IsThinkingDone = true
		if !aiMsg.ThinkingStartTime.IsZero() {
			aiMsg.ThinkingDuration = time.Since(aiMsg.ThinkingStartTime)
		}
	}
}

// finishThinking closes a reasoning block the model never closed itself.
func (m *Manager) finishThinking(aiMsg *model.Message) {
	if aiMsg.ThinkingText == "" || aiMsg.IsThinkingDone {
		return
	}
	aiMsg.IsThinkingDone = true
	if !aiMsg.ThinkingStartTime.IsZero() {
		aiMsg.ThinkingDuration = time.Since(aiMsg.ThinkingStartTime)
	}
}

// historyBefore returns the persisted messages older than beforeID in
// chronological order. Message ids sort by creation time, so the comparison
// is a plain string compare.
func (m *Manager) historyBefore(ctx context.Context, conversationID, beforeID string) ([]model.Message, error) {
	page, _, err := m.store.ListMessages(ctx, conversationID, historyLimit, 0)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].ID < beforeID {
			out = append(out, page[i])
		}
	}
	return out, nil
}

func (m *Manager) enter() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *Manager) leave() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *Manager) emit(msg model.Message) {
	if m.hooks.OnUpdate != nil {
		m.hooks.OnUpdate(msg)
	}
}

func (m *Manager) remove(messageID string) {
	if m.hooks.OnRemove != nil {
		m.hooks.OnRemove(messageID)
	}
}

func (m *Manager) notifyStorage(op string, err error) {
	m.logger.Error().Err(err).Str("op", op).Msg("storage failure")
	if m.notifier != nil {
		m.notifier.Notify(SeverityError, fmt.Sprintf("Failed to %s: %v", op, err))
	}
}
