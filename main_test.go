package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-bot/internal/backup"
	"reservation-bot/internal/crypt"
	"reservation-bot/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	assert.Regexp(t, `^[0-9a-f]{64}$`, key)
	_, err = crypt.NewFromHex(key)
	assert.NoError(t, err)
}

func setAdminChat(t *testing.T, dbPath, value string) {
	t.Helper()
	st, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.UpdateSettings(func(s *storage.Settings) error {
		s.AdminChat = value
		return nil
	})
	require.NoError(t, err)
}

func adminChat(t *testing.T, dbPath string) string {
	t.Helper()
	st, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	s, err := st.LoadSettings()
	require.NoError(t, err)
	return s.AdminChat
}

func TestBackupCreateThenRestore(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	dir := t.TempDir()
	key, err := crypt.GenerateKey()
	require.NoError(t, err)

	dbPath := filepath.Join(dir, "data", "app.db")
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
database:
  path: "`+dbPath+`"
storage:
  uploads_dir: "`+filepath.Join(dir, "uploads")+`"
  backup_dir: "`+filepath.Join(dir, "backups")+`"
security:
  encryption_key: "`+key+`"
admin:
  addr: ""
`), 0o600))

	setAdminChat(t, dbPath, "before")

	out, err := execute(t, "--config", configPath, "backup", "create")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	archive := fields[1]
	assert.FileExists(t, archive)

	setAdminChat(t, dbPath, "changed")

	_, err = execute(t, "--config", configPath, "backup", "restore", archive)
	require.NoError(t, err)
	assert.Equal(t, "before", adminChat(t, dbPath))
	assert.FileExists(t, archive, "offline restore keeps the archive")

	_, err = execute(t, "--config", configPath, "backup", "restore", filepath.Join(dir, "missing.zip"))
	assert.ErrorIs(t, err, backup.ErrArchiveMissing)
}
