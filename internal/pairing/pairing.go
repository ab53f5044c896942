// Package pairing issues and redeems the short single-use codes that bind a
// Telegram chat to the system without exposing the bot token or chat ids.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reservation-bot/internal/storage"
)

const (
	// Alphabet excludes glyphs that are easy to confuse (0/O, 1/I).
	Alphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength = 6
	TTL        = 15 * time.Minute

	maxAttempts = 5
)

var (
	ErrCodeGenerationExhausted = errors.New("could not generate a unique link code")

	ErrCodeRequired = errors.New("code_required")
	ErrCodeNotFound = errors.New("not_found")
	ErrCodeExpired  = errors.New("expired")
	ErrCodeUsed     = errors.New("used")
	ErrCodeStale    = errors.New("stale")
)

// Store is the persistence the service needs. *storage.Store implements it.
type Store interface {
	CreateLinkCode(code *storage.LinkCode) error
	GetLinkCode(code string) (*storage.LinkCode, error)
	DeleteLinkCode(code string) error
	ConsumeLinkCode(code, chatID string, now time.Time) (bool, error)
	DeleteExpiredLinkCodes(now time.Time) (int, error)
}

// Issued is the result of Issue.
type Issued struct {
	Code      string
	ExpiresAt time.Time
}

// Service issues and redeems link codes.
type Service struct {
	store    Store
	log      zerolog.Logger
	alphabet string
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAlphabet replaces the code alphabet.
func WithAlphabet(alphabet string) Option {
	return func(s *Service) { s.alphabet = alphabet }
}

// New returns a Service backed by store.
func New(store Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		log:      log,
		alphabet: Alphabet,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) generate() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range buf {
		sb.WriteByte(s.alphabet[int(b)%len(s.alphabet)])
	}
	return sb.String(), nil
}

// Issue creates a new code valid for TTL.
func (s *Service) Issue() (Issued, error) {
	now := s.now()
	if n, err := s.store.DeleteExpiredLinkCodes(now); err != nil {
		s.log.Warn().Err(err).Msg("link code cleanup failed")
	} else if n > 0 {
		s.log.Debug().Int("count", n).Msg("removed expired link codes")
	}

	for i := 0; i < maxAttempts; i++ {
		candidate, err := s.generate()
		if err != nil {
			return Issued{}, fmt.Errorf("generating link code: %w", err)
		}
		lc := &storage.LinkCode{
			Code:      candidate,
			CreatedAt: now,
			ExpiresAt: now.Add(TTL),
		}
		err = s.store.CreateLinkCode(lc)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return Issued{}, fmt.Errorf("storing link code: %w", err)
		}
		s.log.Info().Str("event", "link_code_issued").Time("expires_at", lc.ExpiresAt).Msg("link code issued")
		return Issued{Code: candidate, ExpiresAt: lc.ExpiresAt}, nil
	}
	return Issued{}, ErrCodeGenerationExhausted
}

// Redeem consumes code on behalf of chatID. The returned error is one of the
// ErrCode* values or a storage failure.
func (s *Service) Redeem(raw, chatID string) error {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return ErrCodeRequired
	}

	lc, err := s.store.GetLinkCode(code)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("loading link code: %w", err)
	}

	now := s.now()
	if lc.Expired(now) {
		if err := s.store.DeleteLinkCode(code); err != nil {
			s.log.Warn().Err(err).Msg("deleting expired link code failed")
		}
		return ErrCodeExpired
	}
	if lc.UsedAt != nil {
		return ErrCodeUsed
	}

	ok, err := s.store.ConsumeLinkCode(code, chatID, now)
	if err != nil {
		return fmt.Errorf("consuming link code: %w", err)
	}
	if !ok {
		return ErrCodeStale
	}
	s.log.Info().Str("event", "link_code_redeemed").Str("chat_id", chatID).Msg("link code redeemed")
	return nil
}
