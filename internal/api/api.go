// Package api serves the admin HTTP endpoints: settings, link codes,
// backups and notifications. Every route requires the admin bearer token.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reservation-bot/internal/backup"
	"reservation-bot/internal/pairing"
	"reservation-bot/internal/settings"
	"reservation-bot/internal/storage"
)

// MaxBackupSize caps restore uploads.
const MaxBackupSize = 50 << 20

var allowedBackupTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/octet-stream":     true,
}

// SettingsService is implemented by *settings.Service.
type SettingsService interface {
	Load() (settings.Settings, error)
	Update(ctx context.Context, u settings.Update) (settings.Settings, error)
	Apply(ctx context.Context) error
	IssueLinkCode() (pairing.Issued, error)
}

// Archiver is implemented by *backup.Archiver.
type Archiver interface {
	Create(ctx context.Context) (string, error)
}

// Restorer is implemented by *backup.Restorer.
type Restorer interface {
	RestoreUpload(ctx context.Context, upload string) error
}

// Notifier is implemented by *bot.Manager.
type Notifier interface {
	Send(ctx context.Context, chat, text string)
}

// Server holds the dependencies of the admin API.
type Server struct {
	Settings SettingsService
	Archiver Archiver
	Restorer Restorer
	Notifier Notifier
	Token    string
	// UploadDir receives restore uploads before they are processed.
	UploadDir string
	Log       zerolog.Logger
	// OnFatal is called when a restore left the datastore unusable.
	OnFatal func(error)

	restoreMu sync.Mutex
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /api/link-code", s.handleLinkCode)
	mux.HandleFunc("GET /api/backup", s.handleCreateBackup)
	mux.HandleFunc("POST /api/backup/restore", s.handleRestore)
	mux.HandleFunc("POST /api/notify", s.handleNotify)
	return s.requireToken(mux)
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", addr).Msg("admin api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin api: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if s.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

type settingsResponse struct {
	Settings settings.Settings `json:"settings"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.Settings.Load()
	if err != nil {
		s.Log.Error().Err(err).Msg("loading settings failed")
		sendJSONError(w, http.StatusInternalServerError, "server error")
		return
	}
	sendJSON(w, http.StatusOK, settingsResponse{Settings: cur})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&u); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.Settings.Update(r.Context(), u)
	if errors.Is(err, settings.ErrBotRefresh) {
		s.Log.Warn().Err(err).Msg("settings saved, bot refresh failed")
		sendJSON(w, http.StatusBadGateway, map[string]any{
			"settings": out,
			"error":    "settings saved but the bot could not connect: " + err.Error(),
		})
		return
	}
	if err != nil {
		s.Log.Error().Err(err).Msg("updating settings failed")
		sendJSONError(w, http.StatusInternalServerError, "server error")
		return
	}
	sendJSON(w, http.StatusOK, settingsResponse{Settings: out})
}

type linkCodeResponse struct {
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLMinutes int       `json:"ttl_minutes"`
}

func (s *Server) handleLinkCode(w http.ResponseWriter, r *http.Request) {
	issued, err := s.Settings.IssueLinkCode()
	if errors.Is(err, settings.ErrBotNotConfigured) {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.Log.Error().Err(err).Msg("issuing link code failed")
		sendJSONError(w, http.StatusInternalServerError, "server error")
		return
	}
	sendJSON(w, http.StatusOK, linkCodeResponse{
		Code:       issued.Code,
		ExpiresAt:  issued.ExpiresAt,
		TTLMinutes: int(pairing.TTL / time.Minute),
	})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.Archiver.Create(r.Context())
	if err != nil {
		s.Log.Error().Err(err).Msg("backup creation failed")
		sendJSONError(w, http.StatusInternalServerError, "failed to create backup")
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		s.Log.Error().Err(err).Msg("opening backup failed")
		sendJSONError(w, http.StatusInternalServerError, "failed to send backup")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "failed to send backup")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBackupSize+1<<20)

	upload, status, err := s.receiveUpload(r)
	if err != nil {
		sendJSONError(w, status, err.Error())
		return
	}

	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()

	err = s.Restorer.RestoreUpload(r.Context(), upload)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrSwapFailed):
		s.Log.Error().Err(err).Msg("restore left the datastore unusable")
		sendJSONError(w, http.StatusInternalServerError, "restore failed, the service is shutting down")
		if s.OnFatal != nil {
			s.OnFatal(err)
		}
		return
	case errors.Is(err, backup.ErrDatabaseEntryMissing),
		errors.Is(err, backup.ErrInvalidArchive),
		errors.Is(err, storage.ErrInvalidDatabase):
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.Log.Error().Err(err).Msg("restore failed")
		sendJSONError(w, http.StatusInternalServerError, "failed to restore backup")
		return
	}

	if err := s.Settings.Apply(r.Context()); err != nil {
		s.Log.Warn().Err(err).Msg("restored settings could not be applied to the bot")
	}
	sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// receiveUpload stores the "backup" form file in UploadDir and returns its
// path. On error it returns the HTTP status to answer with.
func (s *Server) receiveUpload(r *http.Request) (string, int, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", http.StatusBadRequest, errors.New("expected a multipart form")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", http.StatusBadRequest, errors.New("backup file is required")
		}
		if err != nil {
			return "", uploadStatus(err), fmt.Errorf("reading upload: %w", err)
		}
		if part.FormName() != "backup" || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()

		if !allowedBackupTypes[part.Header.Get("Content-Type")] {
			return "", http.StatusBadRequest, errors.New("only zip archives are allowed")
		}
		if err := os.MkdirAll(s.UploadDir, 0o700); err != nil {
			return "", http.StatusInternalServerError, errors.New("upload directory unavailable")
		}
		f, err := os.CreateTemp(s.UploadDir, "upload-*.zip")
		if err != nil {
			return "", http.StatusInternalServerError, errors.New("upload directory unavailable")
		}
		n, err := io.Copy(f, io.LimitReader(part, MaxBackupSize+1))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil && n > MaxBackupSize {
			err = &http.MaxBytesError{Limit: MaxBackupSize}
		}
		if err != nil {
			os.Remove(f.Name())
			return "", uploadStatus(err), fmt.Errorf("reading upload: %w", err)
		}
		return f.Name(), 0, nil
	}
}

func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

type notifyRequest struct {
	Chat string `json:"chat"`
	Text string `json:"text"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	s.Notifier.Send(r.Context(), req.Chat, req.Text)
	sendJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}
