package settings

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-bot/internal/crypt"
	"reservation-bot/internal/pairing"
	"reservation-bot/internal/storage"
)

type refreshCall struct {
	token, admin, notify string
}

type fakeBot struct {
	mu     sync.Mutex
	calls  []refreshCall
	notify string
	err    error
}

func (b *fakeBot) Refresh(_ context.Context, token, admin, notify string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, refreshCall{token, admin, notify})
	b.notify = notify
	return b.err
}

func (b *fakeBot) SetNotifyChat(chat string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = chat
}

func ptr(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *storage.Store, *fakeBot) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	codec, err := crypt.NewFromHex(key)
	require.NoError(t, err)
	b := &fakeBot{}
	codes := pairing.New(st, zerolog.Nop())
	return New(st, codec, b, codes, zerolog.Nop()), st, b
}

func TestUpdateEncryptsAndRefreshes(t *testing.T) {
	svc, st, b := newTestService(t)
	ctx := context.Background()

	out, err := svc.Update(ctx, Update{BotToken: ptr("123:abc"), AdminChat: ptr("-100200")})
	require.NoError(t, err)
	assert.Equal(t, Settings{BotToken: "123:abc", AdminChat: "-100200"}, out)

	raw, err := st.LoadSettings()
	require.NoError(t, err)
	assert.NotEmpty(t, raw.BotToken)
	assert.NotContains(t, raw.BotToken, "123:abc")
	assert.Empty(t, raw.NotifyChat)

	out, err = svc.Update(ctx, Update{NotifyChat: ptr("555")})
	require.NoError(t, err)
	assert.Equal(t, Settings{BotToken: "123:abc", AdminChat: "-100200", NotifyChat: "555"}, out)

	assert.Equal(t, []refreshCall{
		{"123:abc", "-100200", ""},
		{"123:abc", "-100200", "555"},
	}, b.calls)

	out, err = svc.Update(ctx, Update{BotToken: ptr("")})
	require.NoError(t, err)
	assert.Empty(t, out.BotToken)
	assert.Equal(t, refreshCall{"", "-100200", "555"}, b.calls[len(b.calls)-1])
}

func TestUpdateReportsRefreshError(t *testing.T) {
	svc, _, b := newTestService(t)
	b.err = errors.New("unauthorized")

	_, err := svc.Update(context.Background(), Update{BotToken: ptr("bad")})
	assert.ErrorIs(t, err, ErrBotRefresh)
	assert.ErrorIs(t, err, b.err)

	cur, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, "bad", cur.BotToken, "settings are saved even when the bot rejects the token")
}

func TestLoadRejectsTamperedRecord(t *testing.T) {
	svc, st, _ := newTestService(t)
	_, err := st.UpdateSettings(func(cur *storage.Settings) error {
		cur.BotToken = "00:11:22"
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Load()
	assert.ErrorIs(t, err, crypt.ErrIntegrity)
}

func TestApply(t *testing.T) {
	svc, _, b := newTestService(t)
	_, err := svc.Update(context.Background(), Update{BotToken: ptr("tok"), NotifyChat: ptr("1")})
	require.NoError(t, err)
	b.calls = nil

	require.NoError(t, svc.Apply(context.Background()))
	assert.Equal(t, []refreshCall{{"tok", "", "1"}}, b.calls)
}

func TestBindNotifyChat(t *testing.T) {
	svc, _, b := newTestService(t)
	_, err := svc.Update(context.Background(), Update{BotToken: ptr("tok"), AdminChat: ptr("admin")})
	require.NoError(t, err)
	calls := len(b.calls)

	require.NoError(t, svc.BindNotifyChat(context.Background(), "12345"))
	assert.Equal(t, "12345", b.notify)
	assert.Len(t, b.calls, calls, "binding a chat must not reconnect")

	cur, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, Settings{BotToken: "tok", AdminChat: "admin", NotifyChat: "12345"}, cur)
}

func TestIssueLinkCodeRequiresBot(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.IssueLinkCode()
	assert.ErrorIs(t, err, ErrBotNotConfigured)

	_, err = svc.Update(context.Background(), Update{BotToken: ptr("tok")})
	require.NoError(t, err)
	issued, err := svc.IssueLinkCode()
	require.NoError(t, err)
	assert.Len(t, issued.Code, pairing.CodeLength)
}

// pausingStore blocks the first armed UpdateSettings after it commits.
type pausingStore struct {
	*storage.Store

	mu        sync.Mutex
	armed     bool
	committed chan struct{}
	release   chan struct{}
}

func (p *pausingStore) UpdateSettings(fn func(*storage.Settings) error) (storage.Settings, error) {
	out, err := p.Store.UpdateSettings(fn)
	p.mu.Lock()
	armed := p.armed
	p.armed = false
	p.mu.Unlock()
	if armed {
		close(p.committed)
		<-p.release
	}
	return out, err
}

func TestBindNotifyChatDuringUpdate(t *testing.T) {
	_, st, _ := newTestService(t)
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	codec, err := crypt.NewFromHex(key)
	require.NoError(t, err)

	ps := &pausingStore{Store: st, committed: make(chan struct{}), release: make(chan struct{})}
	b := &fakeBot{}
	svc := New(ps, codec, b, nil, zerolog.Nop())
	ctx := context.Background()

	_, err = svc.Update(ctx, Update{BotToken: ptr("tok"), NotifyChat: ptr("old-chat")})
	require.NoError(t, err)

	ps.mu.Lock()
	ps.armed = true
	ps.mu.Unlock()

	done := make(chan Settings)
	go func() {
		out, err := svc.Update(ctx, Update{AdminChat: ptr("admin")})
		assert.NoError(t, err)
		done <- out
	}()

	<-ps.committed
	require.NoError(t, svc.BindNotifyChat(ctx, "12345"))
	close(ps.release)
	out := <-done

	assert.Equal(t, "12345", out.NotifyChat)
	b.mu.Lock()
	assert.Equal(t, "12345", b.notify, "bot must follow the stored notify chat")
	b.mu.Unlock()

	cur, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, Settings{BotToken: "tok", AdminChat: "admin", NotifyChat: "12345"}, cur)
}
