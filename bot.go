package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tg "github.com/go-telegram/bot"
	"github.com/spf13/cobra"

	"reservation-bot/internal/api"
	"reservation-bot/internal/backup"
	"reservation-bot/internal/bot"
	"reservation-bot/internal/config"
	"reservation-bot/internal/handler"
	"reservation-bot/internal/logging"
	"reservation-bot/internal/pairing"
	"reservation-bot/internal/settings"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the backup schedule and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg)
		},
	}
}

// runBot starts every component and blocks until ctx is cancelled or a
// component fails fatally.
func runBot(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("serve")

	// initialize cipher & storage
	codec, err := initCipher(cfg)
	if err != nil {
		return err
	}
	st, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	codes := pairing.New(st, logging.Component("pairing"))
	dispatcher := &handler.Dispatcher{
		Pairing:      codes,
		Reservations: st,
		Location:     cfg.Bot.Location,
		PublicURL:    cfg.Bot.PublicURL,
	}

	dialer := bot.TelegramDialer{Log: logging.Component("telegram")}
	if cfg.Bot.PollTimeout > 0 {
		client := &http.Client{Timeout: cfg.Bot.PollTimeout + 10*time.Second}
		dialer.Options = append(dialer.Options, tg.WithHTTPClient(cfg.Bot.PollTimeout, client))
	}
	manager := bot.NewManager(dialer, updateHandler(dispatcher), logging.Component("bot"))
	defer manager.Stop()

	svc := settings.New(st, codec, manager, codes, logging.Component("settings"))
	dispatcher.Binder = svc
	dispatcher.Chats = manager

	// A rejected token must not keep the admin API from starting, since
	// that is where the token gets fixed.
	if err := svc.Apply(ctx); err != nil {
		log.Error().Err(err).Msg("bot not started")
	}

	archiver := &backup.Archiver{
		Source:     st,
		UploadsDir: cfg.Storage.UploadsDir,
		BackupDir:  cfg.Storage.BackupDir,
		Log:        logging.Component("backup"),
	}
	scheduler := &backup.Scheduler{
		Archiver: archiver,
		Bot:      manager,
		Times:    cfg.Backup.Times,
		Location: cfg.Bot.Location,
		Log:      logging.Component("backup"),
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil {
			cancel(err)
		}
	}()

	if cfg.Admin.Addr != "" {
		srv := &api.Server{
			Settings:  svc,
			Archiver:  archiver,
			Restorer:  &backup.Restorer{Store: st, Log: logging.Component("restore")},
			Notifier:  manager,
			Token:     cfg.Admin.Token,
			UploadDir: cfg.Backup.RestoreTmpDir,
			Log:       logging.Component("api"),
			OnFatal:   cancel,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Admin.Addr); err != nil {
				cancel(err)
			}
		}()
	}

	log.Info().Str("event", "started").Int("backup_slots", len(cfg.Backup.Times)).Msg("service started")
	<-ctx.Done()
	wg.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("service stopped on error")
		return err
	}
	log.Info().Str("event", "stopped").Msg("service stopped")
	return nil
}
