package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-bot/internal/storage"
)

func setAdminChat(t *testing.T, st *storage.Store, v string) {
	t.Helper()
	_, err := st.UpdateSettings(func(s *storage.Settings) error {
		s.AdminChat = v
		return nil
	})
	require.NoError(t, err)
}

func adminChat(t *testing.T, st *storage.Store) string {
	t.Helper()
	s, err := st.LoadSettings()
	require.NoError(t, err)
	return s.AdminChat
}

func assertNoStagingFiles(t *testing.T, dir string) {
	t.Helper()
	for _, name := range dirNames(t, dir) {
		assert.False(t, strings.HasPrefix(name, ".restore-"), "leftover staging file %s", name)
	}
}

func TestRestoreEndToEnd(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	st := openStore(t, filepath.Join(dataDir, "app.db"))
	setAdminChat(t, st, "before-backup")
	require.NoError(t, st.AddReservation(&storage.Reservation{Table: "1", Name: "Anna", Time: "19:00", Date: "2026-07-01"}))

	a := &Archiver{Source: st, BackupDir: filepath.Join(root, "backups"), Log: zerolog.Nop()}
	archive, err := a.Create(context.Background())
	require.NoError(t, err)

	setAdminChat(t, st, "after-backup")
	require.NoError(t, st.AddReservation(&storage.Reservation{Table: "2", Name: "Boris", Time: "20:00", Date: "2026-07-01"}))

	upload := filepath.Join(root, "upload.zip")
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(upload, data, 0o600))

	r := &Restorer{Store: st, Log: zerolog.Nop()}
	require.NoError(t, r.RestoreUpload(context.Background(), upload))

	assert.Equal(t, "before-backup", adminChat(t, st))
	list, err := st.ReservationsByDate("2026-07-01")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Anna", list[0].Name)

	_, err = os.Stat(upload)
	assert.True(t, os.IsNotExist(err), "upload must be removed")
	assertNoStagingFiles(t, dataDir)

	// The reopened store accepts writes.
	setAdminChat(t, st, "after-restore")
	assert.Equal(t, "after-restore", adminChat(t, st))
}

func TestRestoreWithoutDatabaseEntryKeepsLiveData(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	st := openStore(t, filepath.Join(dataDir, "app.db"))
	setAdminChat(t, st, "live")

	upload := filepath.Join(root, "upload.zip")
	writeZip(t, upload, map[string]string{"uploads/readme.txt": "hi"})

	r := &Restorer{Store: st, Log: zerolog.Nop()}
	err := r.RestoreUpload(context.Background(), upload)
	assert.ErrorIs(t, err, ErrDatabaseEntryMissing)

	assert.Equal(t, "live", adminChat(t, st))
	_, statErr := os.Stat(upload)
	assert.True(t, os.IsNotExist(statErr))
	assertNoStagingFiles(t, dataDir)
}

func TestRestoreRejectsInvalidDatabase(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	st := openStore(t, filepath.Join(dataDir, "app.db"))
	setAdminChat(t, st, "live")

	archive := filepath.Join(root, "bad.zip")
	writeZip(t, archive, map[string]string{DatabaseEntry: strings.Repeat("x", 8192)})

	r := &Restorer{Store: st, Log: zerolog.Nop()}
	err := r.Restore(context.Background(), archive)
	assert.ErrorIs(t, err, storage.ErrInvalidDatabase)
	assert.Equal(t, "live", adminChat(t, st))
	assertNoStagingFiles(t, dataDir)

	_, statErr := os.Stat(archive)
	assert.NoError(t, statErr, "Restore keeps the source archive")
}

type brokenReplacer struct {
	path string
}

func (b brokenReplacer) Path() string { return b.path }

func (b brokenReplacer) Replace(string) error {
	return errors.Join(storage.ErrSwapFailed, errors.New("rename: permission denied"))
}

func TestRestoreSwapFailureIsReported(t *testing.T) {
	root := t.TempDir()
	src := openStore(t, filepath.Join(root, "src", "app.db"))
	a := &Archiver{Source: src, BackupDir: root, Log: zerolog.Nop()}
	archive, err := a.Create(context.Background())
	require.NoError(t, err)

	r := &Restorer{Store: brokenReplacer{path: filepath.Join(root, "live", "app.db")}, Log: zerolog.Nop()}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "live"), 0o755))
	err = r.Restore(context.Background(), archive)
	assert.ErrorIs(t, err, storage.ErrSwapFailed)
	assertNoStagingFiles(t, filepath.Join(root, "live"))
}
