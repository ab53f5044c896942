package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to initialize storage
func initStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsDefaultAndUpdate(t *testing.T) {
	s := initStore(t)

	got, err := s.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, Settings{}, got)

	_, err = s.UpdateSettings(func(cur *Settings) error {
		cur.BotToken = "enc-token"
		cur.AdminChat = "enc-admin"
		return nil
	})
	require.NoError(t, err)

	out, err := s.UpdateSettings(func(cur *Settings) error {
		cur.NotifyChat = "enc-chat"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Settings{BotToken: "enc-token", AdminChat: "enc-admin", NotifyChat: "enc-chat"}, out)

	got, err = s.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, out, got)
}

func TestLinkCodeLifecycle(t *testing.T) {
	s := initStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc := &LinkCode{Code: "ABC234", CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute)}

	require.NoError(t, s.CreateLinkCode(lc))
	assert.ErrorIs(t, s.CreateLinkCode(lc), ErrDuplicate)

	ok, err := s.ConsumeLinkCode("ABC234", "12345", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeLinkCode("ABC234", "999", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "code must not be consumed twice")

	stored, err := s.GetLinkCode("ABC234")
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
	require.NotNil(t, stored.ChatID)
	assert.Equal(t, "12345", *stored.ChatID)

	require.NoError(t, s.DeleteLinkCode("ABC234"))
	_, err = s.GetLinkCode("ABC234")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeLinkCodeRejectsExpired(t *testing.T) {
	s := initStore(t)
	now := time.Now()
	require.NoError(t, s.CreateLinkCode(&LinkCode{Code: "XYZ789", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	ok, err := s.ConsumeLinkCode("XYZ789", "1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ConsumeLinkCode("MISSING", "1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeLinkCodeConcurrent(t *testing.T) {
	s := initStore(t)
	now := time.Now()
	require.NoError(t, s.CreateLinkCode(&LinkCode{Code: "RACE22", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeLinkCode("RACE22", "chat", now)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestDeleteExpiredLinkCodes(t *testing.T) {
	s := initStore(t)
	now := time.Now()
	require.NoError(t, s.CreateLinkCode(&LinkCode{Code: "OLD222", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateLinkCode(&LinkCode{Code: "NEW333", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	n, err := s.DeleteExpiredLinkCodes(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetLinkCode("OLD222")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLinkCode("NEW333")
	assert.NoError(t, err)
}

func TestReservationsByDate(t *testing.T) {
	s := initStore(t)
	for _, r := range []Reservation{
		{Table: "5", Name: "Late", Time: "21:30", Phone: "+1", Date: "2026-03-01"},
		{Table: "2", Name: "Early", Time: "09:15", Phone: "+2", Date: "2026-03-01"},
		{Table: "1", Name: "Tomorrow", Time: "08:00", Phone: "+3", Date: "2026-03-02"},
	} {
		r := r
		require.NoError(t, s.AddReservation(&r))
		assert.NotZero(t, r.ID)
	}

	items, err := s.ReservationsByDate("2026-03-01")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Early", items[0].Name)
	assert.Equal(t, "Late", items[1].Name)

	items, err = s.ReservationsByDate("2026-03-03")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSnapshotAndReplace(t *testing.T) {
	s := initStore(t)
	require.NoError(t, s.AddReservation(&Reservation{Name: "Kept", Time: "10:00", Date: "2026-03-01"}))

	var buf bytes.Buffer
	_, err := s.Snapshot(&buf)
	require.NoError(t, err)

	require.NoError(t, s.AddReservation(&Reservation{Name: "Dropped", Time: "11:00", Date: "2026-03-01"}))

	snap := filepath.Join(filepath.Dir(s.Path()), "snapshot.db")
	require.NoError(t, os.WriteFile(snap, buf.Bytes(), 0o600))
	require.NoError(t, Validate(snap))
	require.NoError(t, s.Replace(snap))

	items, err := s.ReservationsByDate("2026-03-01")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Kept", items[0].Name)

	_, err = os.Stat(snap)
	assert.True(t, os.IsNotExist(err), "source file is moved into place")
}

func TestReplaceMissingSourceReopens(t *testing.T) {
	s := initStore(t)
	require.NoError(t, s.AddReservation(&Reservation{Name: "Still here", Time: "10:00", Date: "2026-03-01"}))

	err := s.Replace(filepath.Join(t.TempDir(), "nope.db"))
	assert.ErrorIs(t, err, ErrSwapFailed)

	items, err := s.ReservationsByDate("2026-03-01")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestValidateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 8192), 0o600))
	assert.ErrorIs(t, Validate(path), ErrInvalidDatabase)
}

func TestClosedStore(t *testing.T) {
	s := initStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.LoadSettings()
	assert.ErrorIs(t, err, ErrClosed)
}
