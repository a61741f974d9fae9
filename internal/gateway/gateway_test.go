package gateway

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/session/sessiontest"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type fixture struct {
	gw       *Gateway
	accounts *db.AccountStore
	table    *session.Table
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{accounts: db.NewAccountStore(database), table: session.NewTable()}
	if opts.Shards == nil {
		opts.Shards = ShardsFromConfig(config.DefaultConfig().Shards)
	}
	opts.Sessions = f.table
	f.gw = New(f.accounts, opts)

	_, err = f.accounts.CreateAccount(context.Background(), "Avatar", "hunter2")
	require.NoError(t, err)
	return f
}

func (f *fixture) connect(t *testing.T) (*session.Session, *sessiontest.Transport) {
	t.Helper()
	tr := sessiontest.NewTransport()
	s := session.New(f.table.NextID(), tr, session.Options{})
	require.NoError(t, s.Transition(session.Connected))
	require.NoError(t, f.table.Add(s))
	return s, tr
}

func (f *fixture) login(t *testing.T, name, password string) (*session.Session, *sessiontest.Transport) {
	t.Helper()
	s, tr := f.connect(t)
	f.gw.handleAccountLogin(context.Background(), s, &protocol.AccountLoginRequest{Username: name, Password: password})
	return s, tr
}

func lastFrame(t *testing.T, tr *sessiontest.Transport) []byte {
	t.Helper()
	writes := tr.Writes()
	require.NotEmpty(t, writes)
	return writes[len(writes)-1]
}

func rejection(t *testing.T, tr *sessiontest.Transport) byte {
	t.Helper()
	var rej protocol.AccountLoginRejected
	require.True(t, rej.Decode(lastFrame(t, tr)), "expected AccountLoginRejected")
	return rej.Reason
}

func TestRegisterBindsLoginFlow(t *testing.T) {
	f := newFixture(t, Options{})
	r := dispatch.NewRegistry()
	require.NoError(t, f.gw.Register(r))

	assert.True(t, dispatch.IsBound[protocol.AccountLoginRequest](r))
	assert.True(t, dispatch.IsBound[protocol.SelectServer](r))
	assert.True(t, dispatch.IsBound[protocol.GameLoginRequest](r))
	assert.True(t, dispatch.IsBound[protocol.PlayCharacter](r))
	assert.True(t, dispatch.IsBound[protocol.Ping](r))
	assert.True(t, dispatch.IsBound[protocol.ClientVersionReport](r))
	assert.True(t, dispatch.IsBound[protocol.UnicodeSpeechRequest](r))

	// Registering twice is harmless for the bindings.
	assert.NoError(t, f.gw.Register(r))
}

func TestAccountLoginSendsServerList(t *testing.T) {
	f := newFixture(t, Options{})
	s, tr := f.login(t, "avatar", "hunter2")

	assert.Equal(t, session.Authenticated, s.State())
	assert.Equal(t, "Avatar", s.Account())
	assert.False(t, tr.Closed())

	var list protocol.ServerList
	require.True(t, list.Decode(lastFrame(t, tr)))
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "Local", list.Servers[0].Name)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), protocol.Uint32ToIPv4(list.Servers[0].Address))

	history, err := f.accounts.RecentLogins(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Accepted)
}

func TestAccountLoginRejections(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		prepare  func(t *testing.T, f *fixture)
		reason   byte
	}{
		{name: "bad password", user: "Avatar", password: "nope", reason: protocol.RejectBadPassword},
		{name: "unknown account", user: "Ghost", password: "x", reason: protocol.RejectInvalid},
		{
			name: "blocked", user: "Avatar", password: "hunter2", reason: protocol.RejectBlocked,
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, f.accounts.SetBlocked("Avatar", true))
			},
		},
		{
			name: "in use", user: "Avatar", password: "hunter2", reason: protocol.RejectInUse,
			prepare: func(t *testing.T, f *fixture) {
				s, _ := f.login(t, "Avatar", "hunter2")
				require.Equal(t, session.Authenticated, s.State())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			s, tr := f.login(t, tt.user, tt.password)

			assert.Equal(t, tt.reason, rejection(t, tr))
			assert.True(t, tr.Closed(), "rejection is followed by a disconnect")
			assert.Equal(t, session.Disconnected, s.State())
			assert.Empty(t, s.Account())
		})
	}
}

func TestConcurrentLoginsClaimAccountOnce(t *testing.T) {
	f := newFixture(t, Options{})
	const n = 8
	sessions := make([]*session.Session, n)
	for i := range sessions {
		sessions[i], _ = f.connect(t)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			f.gw.handleAccountLogin(context.Background(), s, &protocol.AccountLoginRequest{Username: "avatar", Password: "hunter2"})
		}(s)
	}
	wg.Wait()

	authenticated := 0
	for _, s := range sessions {
		if s.State() == session.Authenticated {
			authenticated++
			assert.Equal(t, "Avatar", s.Account())
			continue
		}
		assert.True(t, s.Closed())
	}
	assert.Equal(t, 1, authenticated)
}

func TestAccountLoginAutoCreate(t *testing.T) {
	f := newFixture(t, Options{AutoCreateAccounts: true})
	s, _ := f.login(t, "Newcomer", "secret")
	assert.Equal(t, session.Authenticated, s.State())

	_, err := f.accounts.Authenticate(context.Background(), "newcomer", "secret")
	assert.NoError(t, err)
}

func TestLoginOutOfOrderIsStateFault(t *testing.T) {
	f := newFixture(t, Options{})
	s, tr := f.connect(t)

	f.gw.handleSelectServer(context.Background(), s, &protocol.SelectServer{Index: 0})
	f.gw.handlePlayCharacter(context.Background(), s, &protocol.PlayCharacter{Name: "x"})

	assert.EqualValues(t, 2, s.Faults())
	assert.Empty(t, tr.Writes())
	assert.Equal(t, session.Connected, s.State())
}

func TestShardRedirectAndGameLogin(t *testing.T) {
	f := newFixture(t, Options{})
	s, tr := f.login(t, "Avatar", "hunter2")

	f.gw.handleSelectServer(context.Background(), s, &protocol.SelectServer{Index: 0})
	var redirect protocol.ServerRedirect
	require.True(t, redirect.Decode(lastFrame(t, tr)))
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), protocol.Uint32ToIPv4(redirect.Address))
	assert.EqualValues(t, config.DefaultListenPort+1, redirect.Port)
	assert.NotZero(t, redirect.AuthKey)
	assert.Equal(t, 1, f.gw.PendingKeys())

	// The login connection goes away and the client reconnects to the shard.
	s.Disconnect("redirected")
	f.table.Remove(s.ID())

	game, gameTr := f.connect(t)
	f.gw.handleGameLogin(context.Background(), game, &protocol.GameLoginRequest{
		AuthKey:  redirect.AuthKey,
		Username: "Avatar",
		Password: "hunter2",
	})
	var chars protocol.CharacterList
	require.True(t, chars.Decode(lastFrame(t, gameTr)))
	assert.Len(t, chars.Slots, characterSlots)
	assert.Equal(t, session.Authenticated, game.State())
	assert.Zero(t, f.gw.PendingKeys())

	f.gw.handlePlayCharacter(context.Background(), game, &protocol.PlayCharacter{Name: "Lord British", Slot: 0})
	assert.Equal(t, session.InGame, game.State())
	assert.Equal(t, "Lord British", game.Mobile())

	// Keys are single use.
	again, againTr := f.connect(t)
	f.gw.handleGameLogin(context.Background(), again, &protocol.GameLoginRequest{
		AuthKey:  redirect.AuthKey,
		Username: "Avatar",
		Password: "hunter2",
	})
	assert.Equal(t, protocol.RejectInvalid, rejection(t, againTr))
	assert.Equal(t, session.Disconnected, again.State())
}

func TestSelectUnavailableShard(t *testing.T) {
	shards := StaticShards{
		{Index: 0, Name: "Up", Address: netip.MustParseAddr("10.0.0.1"), Port: 2594, Up: true},
		{Index: 1, Name: "Down", Address: netip.MustParseAddr("10.0.0.2"), Port: 2594},
	}

	for _, index := range []uint16{1, 7} {
		f := newFixture(t, Options{Shards: shards})
		s, tr := f.login(t, "Avatar", "hunter2")

		var list protocol.ServerList
		require.True(t, list.Decode(lastFrame(t, tr)))
		require.Len(t, list.Servers, 1, "down shards are not advertised")

		f.gw.handleSelectServer(context.Background(), s, &protocol.SelectServer{Index: index})
		assert.Equal(t, protocol.RejectCommunication, rejection(t, tr))
		assert.True(t, tr.Closed())
	}
}

func TestAuthKeysExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ring := newKeyRing(time.Minute)
	ring.now = func() time.Time { return now }

	key, err := ring.issue("Avatar")
	require.NoError(t, err)
	stale, err := ring.issue("Avatar")
	require.NoError(t, err)
	assert.NotEqual(t, key, stale)

	assert.False(t, ring.redeem(key, "Other"), "wrong account burns the key")
	assert.False(t, ring.redeem(key, "Avatar"))

	now = now.Add(2 * time.Minute)
	assert.False(t, ring.redeem(stale, "avatar"))

	fresh, err := ring.issue("Avatar")
	require.NoError(t, err)
	_, err = ring.issue("Avatar")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	assert.True(t, ring.redeem(fresh, "avatar"))

	now = now.Add(time.Minute)
	assert.Equal(t, 1, ring.prune())
	assert.Zero(t, ring.size())
}

func TestPingEchoAndVersionReport(t *testing.T) {
	f := newFixture(t, Options{})
	s, tr := f.connect(t)

	f.gw.handlePing(context.Background(), s, &protocol.Ping{Sequence: 42})
	assert.Equal(t, []byte{protocol.OpPing, 42}, lastFrame(t, tr))

	f.gw.handleVersionReport(context.Background(), s, &protocol.ClientVersionReport{Version: "7.0.15.1"})
	assert.Equal(t, "7.0.15.1", s.Info().VersionReport)
}
