package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"reservation-bot/internal/logging"
	"reservation-bot/internal/pairing"
	"reservation-bot/internal/storage"
)

// Sender is the part of the Telegram client used for replies.
type Sender interface {
	SendMessage(ctx context.Context, params *tg.SendMessageParams) (*models.Message, error)
}

// Redeemer consumes pairing codes.
type Redeemer interface {
	Redeem(code, chatID string) error
}

// ChatBinder persists a chat as the notification target.
type ChatBinder interface {
	BindNotifyChat(ctx context.Context, chatID string) error
}

// ChatList reports the configured chats that may use the bot.
type ChatList interface {
	AllowedChats() []string
}

// Reservations reads reservation records.
type Reservations interface {
	ReservationsByDate(date string) ([]storage.Reservation, error)
}

// Dispatcher routes inbound updates. It keeps no per-message state and is
// safe for concurrent use once its fields are set.
type Dispatcher struct {
	Pairing      Redeemer
	Binder       ChatBinder
	Chats        ChatList
	Reservations Reservations
	Location     *time.Location
	PublicURL    string
	Now          func() time.Time
}

func (d *Dispatcher) now() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// Handle processes a Telegram update.
func (d *Dispatcher) Handle(ctx context.Context, b Sender, upd *models.Update) {
	if upd == nil || upd.Message == nil {
		return
	}
	msg := upd.Message
	ctx = logging.WithChat(logging.Context(ctx), msg.Chat.ID)
	log := logging.Ctx(ctx)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	cmd := ParseCommand(msg.Text)
	log.Debug().Str("event", "telegram_request").Str("command", cmd.Name()).Str("snippet", logging.Snippet(msg.Text, 30)).Msg("incoming message")

	if _, isPair := cmd.(PairCommand); !isPair && !d.allowed(chatID, msg.Chat.Username) {
		log.Debug().Str("event", "chat_rejected").Msg("message from unknown chat dropped")
		return
	}

	switch c := cmd.(type) {
	case PairCommand:
		d.handlePair(ctx, b, msg.Chat.ID, c.Code)
	case StatusCommand:
		d.handleStatus(ctx, b, msg.Chat.ID)
	case Unrecognized:
	}
}

// allowed reports whether chatID passes the allow-list. An empty list admits
// every chat.
func (d *Dispatcher) allowed(chatID, username string) bool {
	if d.Chats == nil {
		return true
	}
	chats := d.Chats.AllowedChats()
	if len(chats) == 0 {
		return true
	}
	for _, c := range chats {
		if c == chatID || (username != "" && strings.EqualFold(strings.TrimPrefix(c, "@"), username)) {
			return true
		}
	}
	return false
}

var pairReplies = map[error]string{
	pairing.ErrCodeRequired: "Usage: /link <code>. Get a code in the admin panel.",
	pairing.ErrCodeNotFound: "Invalid code. Check it and try again.",
	pairing.ErrCodeExpired:  "This code has expired. Generate a new one in the admin panel.",
	pairing.ErrCodeUsed:     "This code has already been used.",
	pairing.ErrCodeStale:    "This code is no longer valid. Generate a new one in the admin panel.",
}

func (d *Dispatcher) handlePair(ctx context.Context, b Sender, chat int64, code string) {
	log := logging.Ctx(ctx)
	chatID := strconv.FormatInt(chat, 10)

	err := d.Pairing.Redeem(code, chatID)
	if err != nil {
		for known, reply := range pairReplies {
			if errors.Is(err, known) {
				log.Info().Str("event", "link_rejected").Str("reason", known.Error()).Msg("link code rejected")
				d.reply(ctx, b, chat, reply, nil)
				return
			}
		}
		log.Error().Err(err).Msg("link code redemption failed")
		d.reply(ctx, b, chat, "Could not link this chat, try again later.", nil)
		return
	}

	if err := d.Binder.BindNotifyChat(ctx, chatID); err != nil {
		log.Error().Err(err).Msg("saving notify chat failed")
		d.reply(ctx, b, chat, "The code was accepted but the chat could not be saved. Ask an administrator.", nil)
		return
	}
	log.Info().Str("event", "chat_linked").Msg("chat linked for notifications")
	d.reply(ctx, b, chat, "Done! This chat will now receive reservation notifications.", nil)
}

func (d *Dispatcher) handleStatus(ctx context.Context, b Sender, chat int64) {
	log := logging.Ctx(ctx)
	today := d.now().Format("2006-01-02")

	items, err := d.Reservations.ReservationsByDate(today)
	if err != nil {
		log.Error().Err(err).Msg("loading reservations failed")
		d.reply(ctx, b, chat, "Could not load today's reservations.", nil)
		return
	}

	var markup models.ReplyMarkup
	if d.PublicURL != "" {
		markup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{{Text: "Open schedule", URL: d.PublicURL}}},
		}
	}
	d.reply(ctx, b, chat, formatStatus(today, items), markup)
}

func formatStatus(date string, items []storage.Reservation) string {
	if len(items) == 0 {
		return fmt.Sprintf("No reservations for today (%s).", date)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reservations for %s:\n", date)
	for i, r := range items {
		fmt.Fprintf(&sb, "%d. %s | %s | %s\n", i+1, r.Time, r.Name, r.Phone)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (d *Dispatcher) reply(ctx context.Context, b Sender, chat int64, text string, markup models.ReplyMarkup) {
	params := &tg.SendMessageParams{ChatID: chat, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("reply failed")
	}
}
