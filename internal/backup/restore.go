package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reservation-bot/internal/storage"
)

// Replacer swaps the live datastore file. *storage.Store implements it.
type Replacer interface {
	Path() string
	Replace(src string) error
}

// Restorer replaces the live datastore with the one inside an archive.
type Restorer struct {
	Store Replacer
	Log   zerolog.Logger
	// Validate checks an extracted datastore before the swap. Defaults to
	// storage.Validate.
	Validate func(path string) error
}

// RestoreUpload restores from an uploaded archive and removes the upload on
// every exit path.
func (r *Restorer) RestoreUpload(ctx context.Context, upload string) error {
	defer r.remove(upload)
	return r.Restore(ctx, upload)
}

// Restore extracts the datastore from archive next to the live file,
// validates it and swaps it in. Live data is untouched unless extraction and
// validation succeed. Errors wrapping storage.ErrSwapFailed leave the store
// in an unknown state and are fatal.
func (r *Restorer) Restore(ctx context.Context, archive string) error {
	log := r.Log.With().Str("archive", filepath.Base(archive)).Logger()

	// The staging file shares the live file's directory so the swap is a
	// same-filesystem rename.
	staged := filepath.Join(filepath.Dir(r.Store.Path()), ".restore-"+uuid.NewString()+".db")
	defer r.remove(staged)

	if err := ExtractDatabase(archive, staged); err != nil {
		log.Warn().Err(err).Msg("restore rejected")
		return err
	}
	validate := r.Validate
	if validate == nil {
		validate = storage.Validate
	}
	if err := validate(staged); err != nil {
		log.Warn().Err(err).Msg("restore rejected")
		return fmt.Errorf("validating restored database: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.Store.Replace(staged); err != nil {
		log.Error().Err(err).Msg("database swap failed")
		return err
	}
	log.Info().Str("event", "backup_restored").Msg("database restored from backup")
	return nil
}

func (r *Restorer) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.Log.Warn().Err(err).Str("path", path).Msg("failed to remove temp file")
	}
}
