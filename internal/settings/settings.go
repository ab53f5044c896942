// Package settings keeps the encrypted singleton settings record and pushes
// every change to the bot connection.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"reservation-bot/internal/crypt"
	"reservation-bot/internal/pairing"
	"reservation-bot/internal/storage"
)

// ErrBotNotConfigured is returned when a link code is requested before a bot
// token has been saved.
var ErrBotNotConfigured = errors.New("configure the bot token before creating a link code")

// ErrBotRefresh marks settings that were saved but could not be applied to
// the bot connection.
var ErrBotRefresh = errors.New("bot refresh failed")

// Settings is the decrypted settings record.
type Settings struct {
	BotToken   string `json:"bot_id"`
	NotifyChat string `json:"chat_id"`
	AdminChat  string `json:"admin_chat"`
}

// Update carries the fields to change. A nil field keeps the stored value,
// an empty string clears it.
type Update struct {
	BotToken   *string `json:"bot_id"`
	NotifyChat *string `json:"chat_id"`
	AdminChat  *string `json:"admin_chat"`
}

// Refresher receives the decrypted configuration. *bot.Manager implements it.
type Refresher interface {
	Refresh(ctx context.Context, token, adminChat, notifyChat string) error
	SetNotifyChat(chat string)
}

// Store is the persistence used by the service.
type Store interface {
	LoadSettings() (storage.Settings, error)
	UpdateSettings(fn func(*storage.Settings) error) (storage.Settings, error)
}

// Issuer creates link codes.
type Issuer interface {
	Issue() (pairing.Issued, error)
}

// Service reads and writes settings.
type Service struct {
	store Store
	codec *crypt.Codec
	bot   Refresher
	codes Issuer
	log   zerolog.Logger

	// applyMu orders write-then-refresh sequences so the bot always ends up
	// with the most recently stored configuration.
	applyMu sync.Mutex
	// notifyMu pairs each notify chat write with the matching bot update.
	// It is never held across Refresh, which waits for running handlers.
	notifyMu sync.Mutex
}

// New returns a Service. bot and codes may be nil for offline use.
func New(store Store, codec *crypt.Codec, bot Refresher, codes Issuer, log zerolog.Logger) *Service {
	return &Service{store: store, codec: codec, bot: bot, codes: codes, log: log}
}

// Load returns the decrypted settings.
func (s *Service) Load() (Settings, error) {
	enc, err := s.store.LoadSettings()
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	return s.decrypt(enc)
}

func (s *Service) decrypt(enc storage.Settings) (Settings, error) {
	var out Settings
	var err error
	if out.BotToken, err = s.codec.Decrypt(enc.BotToken); err != nil {
		return Settings{}, fmt.Errorf("decrypting bot token: %w", err)
	}
	if out.NotifyChat, err = s.codec.Decrypt(enc.NotifyChat); err != nil {
		return Settings{}, fmt.Errorf("decrypting chat id: %w", err)
	}
	if out.AdminChat, err = s.codec.Decrypt(enc.AdminChat); err != nil {
		return Settings{}, fmt.Errorf("decrypting admin chat: %w", err)
	}
	return out, nil
}

func (s *Service) encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	return s.codec.Encrypt(plain)
}

// Update encrypts and stores the changed fields, then refreshes the bot.
// A refresh failure is returned after the settings were saved.
func (s *Service) Update(ctx context.Context, u Update) (Settings, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	enc, err := s.store.UpdateSettings(func(cur *storage.Settings) error {
		for _, f := range []struct {
			in  *string
			out *string
		}{
			{u.BotToken, &cur.BotToken},
			{u.NotifyChat, &cur.NotifyChat},
			{u.AdminChat, &cur.AdminChat},
		} {
			if f.in == nil {
				continue
			}
			v, err := s.encrypt(*f.in)
			if err != nil {
				return err
			}
			*f.out = v
		}
		return nil
	})
	if err != nil {
		return Settings{}, fmt.Errorf("saving settings: %w", err)
	}
	out, err := s.decrypt(enc)
	if err != nil {
		return Settings{}, err
	}
	s.log.Info().Str("event", "settings_updated").Bool("bot_configured", out.BotToken != "").Msg("settings updated")
	if err := s.refresh(ctx, out); err != nil {
		return out, err
	}
	return s.syncNotifyChat(out), nil
}

// Apply loads the stored settings and pushes them to the bot. It runs at
// startup and after a restore.
func (s *Service) Apply(ctx context.Context) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	out, err := s.Load()
	if err != nil {
		return err
	}
	if err := s.refresh(ctx, out); err != nil {
		return err
	}
	s.syncNotifyChat(out)
	return nil
}

func (s *Service) refresh(ctx context.Context, cur Settings) error {
	if s.bot == nil {
		return nil
	}
	if err := s.bot.Refresh(ctx, cur.BotToken, cur.AdminChat, cur.NotifyChat); err != nil {
		return fmt.Errorf("%w: %w", ErrBotRefresh, err)
	}
	return nil
}

// syncNotifyChat hands the bot the notify chat stored now. A pairing may have
// committed after cur was read and before Refresh pushed cur to the bot.
func (s *Service) syncNotifyChat(cur Settings) Settings {
	if s.bot == nil || cur.BotToken == "" {
		return cur
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	latest, err := s.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to reload notify chat")
		return cur
	}
	if latest.NotifyChat != cur.NotifyChat {
		s.bot.SetNotifyChat(latest.NotifyChat)
		cur.NotifyChat = latest.NotifyChat
	}
	return cur
}

// BindNotifyChat stores chatID as the notify chat and hands it to the bot
// without reconnecting. It is called from the update loop, so it must not
// wait on a bot refresh.
func (s *Service) BindNotifyChat(ctx context.Context, chatID string) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	_, err := s.store.UpdateSettings(func(cur *storage.Settings) error {
		v, err := s.encrypt(chatID)
		if err != nil {
			return err
		}
		cur.NotifyChat = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving notify chat: %w", err)
	}
	if s.bot != nil {
		s.bot.SetNotifyChat(chatID)
	}
	return nil
}

// IssueLinkCode creates a pairing code once a bot token is configured.
func (s *Service) IssueLinkCode() (pairing.Issued, error) {
	cur, err := s.Load()
	if err != nil {
		return pairing.Issued{}, err
	}
	if cur.BotToken == "" {
		return pairing.Issued{}, ErrBotNotConfigured
	}
	if s.codes == nil {
		return pairing.Issued{}, errors.New("link codes are not available")
	}
	return s.codes.Issue()
}
