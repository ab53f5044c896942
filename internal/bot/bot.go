package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
)

// Sender is the outbound half of a Telegram connection.
type Sender interface {
	SendMessage(ctx context.Context, params *tg.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *tg.SendDocumentParams) (*models.Message, error)
}

// Conn is a live connection. Start runs the update loop and returns once ctx
// is cancelled and polling has stopped.
type Conn interface {
	Sender
	Start(ctx context.Context)
}

// HandlerFunc processes one inbound update.
type HandlerFunc func(ctx context.Context, s Sender, upd *models.Update)

// Dialer establishes a connection for a bot token.
type Dialer interface {
	Dial(token string, handler HandlerFunc) (Conn, error)
}

type handle struct {
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the single Telegram connection. Refresh and Stop are
// serialized by transition; state is read and written under mu, which is
// never held while waiting on the network or on the update loop.
type Manager struct {
	dial    Dialer
	handler HandlerFunc
	log     zerolog.Logger

	transition sync.Mutex

	mu         sync.RWMutex
	token      string
	adminChat  string
	notifyChat string
	live       *handle
}

// NewManager returns a stopped manager.
func NewManager(dial Dialer, handler HandlerFunc, log zerolog.Logger) *Manager {
	return &Manager{dial: dial, handler: handler, log: log}
}

// Refresh applies a new credential and chat configuration. An empty token
// stops the bot. The same token only updates the chats. A different token
// tears the old connection down completely before dialing the new one.
func (m *Manager) Refresh(ctx context.Context, token, adminChat, notifyChat string) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	if token == "" {
		m.stopLocked()
		return nil
	}

	m.mu.Lock()
	if m.live != nil && m.token == token {
		m.adminChat = adminChat
		m.notifyChat = notifyChat
		m.mu.Unlock()
		m.log.Debug().Msg("bot token unchanged, chats updated")
		return nil
	}
	m.mu.Unlock()

	m.stopLocked()

	conn, err := m.dial.Dial(token, m.handler)
	if err != nil {
		return fmt.Errorf("connecting bot: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{conn: conn, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		conn.Start(runCtx)
	}()

	m.mu.Lock()
	m.token = token
	m.adminChat = adminChat
	m.notifyChat = notifyChat
	m.live = h
	m.mu.Unlock()

	m.log.Info().Str("event", "bot_started").Msg("bot connection started")
	return nil
}

// Stop tears down the connection. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.transition.Lock()
	defer m.transition.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	h := m.live
	m.live = nil
	m.token = ""
	m.adminChat = ""
	m.notifyChat = ""
	m.mu.Unlock()

	if h == nil {
		return
	}
	h.cancel()
	<-h.done
	m.log.Info().Str("event", "bot_stopped").Msg("bot connection stopped")
}

// Running reports whether a connection is live.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live != nil
}

// CanDeliverArchive reports whether SendArchive would attempt a delivery.
func (m *Manager) CanDeliverArchive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live != nil && m.adminChat != ""
}

// AllowedChats returns the configured admin and notify chats.
func (m *Manager) AllowedChats() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chats []string
	for _, c := range []string{m.adminChat, m.notifyChat} {
		if c != "" {
			chats = append(chats, c)
		}
	}
	return chats
}

// SetNotifyChat replaces the notify chat without touching the connection.
func (m *Manager) SetNotifyChat(chat string) {
	m.mu.Lock()
	m.notifyChat = chat
	m.mu.Unlock()
}

// Send delivers text to chat, or to the notify chat, or to the admin chat.
// Delivery is best effort: problems are logged and never returned.
func (m *Manager) Send(ctx context.Context, chat, text string) {
	m.mu.RLock()
	live := m.live
	target := firstNonEmpty(chat, m.notifyChat, m.adminChat)
	m.mu.RUnlock()

	if live == nil {
		m.log.Warn().Msg("skip message: bot is not running")
		return
	}
	if target == "" {
		m.log.Warn().Msg("skip message: chat is not configured")
		return
	}
	if _, err := live.conn.SendMessage(ctx, &tg.SendMessageParams{ChatID: target, Text: text}); err != nil {
		m.log.Error().Err(err).Str("chat", target).Msg("failed to send telegram message")
	}
}

// SendArchive uploads the file at path to the admin chat. Delivery is best
// effort: problems are logged and never returned.
func (m *Manager) SendArchive(ctx context.Context, path, caption string) {
	m.mu.RLock()
	live := m.live
	target := m.adminChat
	m.mu.RUnlock()

	if live == nil || target == "" {
		m.log.Warn().Msg("skip backup delivery: bot or admin chat not configured")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		m.log.Error().Err(err).Str("path", path).Msg("failed to open backup")
		return
	}
	defer f.Close()

	_, err = live.conn.SendDocument(ctx, &tg.SendDocumentParams{
		ChatID:   target,
		Document: &models.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption:  caption,
	})
	if err != nil {
		m.log.Error().Err(err).Str("path", path).Msg("failed to send backup")
		return
	}
	m.log.Info().Str("event", "backup_delivered").Str("file", filepath.Base(path)).Msg("backup sent to admin chat")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// TelegramDialer connects to the Telegram Bot API with long polling.
type TelegramDialer struct {
	Log     zerolog.Logger
	Options []tg.Option
}

// Dial creates a bot client. tg.New validates the token with getMe.
// Handlers run on the polling workers, so once Start returns no handler of
// this connection is still running.
func (d TelegramDialer) Dial(token string, handler HandlerFunc) (Conn, error) {
	opts := []tg.Option{
		tg.WithNotAsyncHandlers(),
		tg.WithDefaultHandler(func(ctx context.Context, b *tg.Bot, upd *models.Update) {
			handler(ctx, b, upd)
		}),
		tg.WithErrorsHandler(func(err error) {
			d.Log.Warn().Err(err).Msg("telegram polling error")
		}),
	}
	opts = append(opts, d.Options...)
	b, err := tg.New(token, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
