package main

import (
	"context"

	"github.com/go-telegram/bot/models"

	"reservation-bot/internal/bot"
	"reservation-bot/internal/handler"
)

// updateHandler adapts the dispatcher to the bot connection's callback.
func updateHandler(d *handler.Dispatcher) bot.HandlerFunc {
	return func(ctx context.Context, s bot.Sender, upd *models.Update) {
		d.Handle(ctx, s, upd)
	}
}
