// Package gateway implements the login flow on top of the dispatch
// registry: account login, shard selection with single-use auth keys, game
// login and entering the world.
package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

// Accounts is the account store the gateway authenticates against.
type Accounts interface {
	Authenticate(ctx context.Context, name, password string) (*db.Account, error)
	CreateAccount(ctx context.Context, name, password string) (*db.Account, error)
	RecordLogin(account, remote string, accepted bool, reason string) error
}

// Shard is one game shard as the server list presents it. Index is the
// shard's stable position in the configuration.
type Shard struct {
	Index    uint16
	Name     string
	Address  netip.Addr
	Port     uint16
	Timezone int8
	Percent  uint8
	Up       bool
}

// ShardDirectory lists the shards a client may be redirected to.
type ShardDirectory interface {
	Shards() []Shard
}

// StaticShards is a directory that reports every shard as up.
type StaticShards []Shard

func (s StaticShards) Shards() []Shard { return s }

// ShardsFromConfig converts the configured shards. Entries with an
// unparsable address are skipped.
func ShardsFromConfig(cfgs []config.ShardConfig) StaticShards {
	out := make(StaticShards, 0, len(cfgs))
	for i, c := range cfgs {
		addr, err := netip.ParseAddr(c.Address)
		if err != nil {
			log.Warn().Err(err).Str("shard", c.Name).Msg("skipping shard with bad address")
			continue
		}
		out = append(out, Shard{
			Index:    uint16(i),
			Name:     c.Name,
			Address:  addr,
			Port:     uint16(c.Port),
			Timezone: int8(c.Timezone),
			Up:       true,
		})
	}
	return out
}

// Options configures a Gateway.
type Options struct {
	Shards             ShardDirectory
	AutoCreateAccounts bool
	AuthKeyTTL         time.Duration

	// Sessions, when set, rejects a second login of an account that is
	// already online.
	Sessions *session.Table
	Bus      *events.Bus
}

// Gateway owns the login-flow handlers.
type Gateway struct {
	accounts Accounts
	opts     Options
	keys     *keyRing
	logger   zerolog.Logger
}

// New creates a Gateway.
func New(accounts Accounts, opts Options) *Gateway {
	if opts.Shards == nil {
		opts.Shards = StaticShards(nil)
	}
	return &Gateway{
		accounts: accounts,
		opts:     opts,
		keys:     newKeyRing(opts.AuthKeyTTL),
		logger:   util.ComponentLogger("gateway"),
	}
}

// Register binds the login-flow packets and their handlers.
func (g *Gateway) Register(r *dispatch.Registry) error {
	binds := []func() error{
		func() error { return dispatch.Bind[protocol.AccountLoginRequest](r) },
		func() error { return dispatch.Bind[protocol.SelectServer](r) },
		func() error { return dispatch.Bind[protocol.GameLoginRequest](r) },
		func() error { return dispatch.Bind[protocol.PlayCharacter](r) },
		func() error { return dispatch.Bind[protocol.Ping](r) },
		func() error { return dispatch.Bind[protocol.ClientVersionReport](r) },
		func() error { return dispatch.Bind[protocol.UnicodeSpeechRequest](r) },

		func() error { return dispatch.Handle(r, dispatch.High, g.handleAccountLogin) },
		func() error { return dispatch.Handle(r, dispatch.High, g.handleSelectServer) },
		func() error { return dispatch.Handle(r, dispatch.High, g.handleGameLogin) },
		func() error { return dispatch.Handle(r, dispatch.Normal, g.handlePlayCharacter) },
		func() error { return dispatch.Handle(r, dispatch.Normal, g.handlePing) },
		func() error { return dispatch.Handle(r, dispatch.Low, g.handleVersionReport) },
		func() error { return dispatch.Handle(r, dispatch.Low, g.handleSpeech) },
	}
	for _, fn := range binds {
		if err := fn(); err != nil {
			return fmt.Errorf("register login flow: %w", err)
		}
	}
	g.logger.Info().Int("bindings", len(r.Bindings())).Msg("login flow registered")
	return nil
}

// PruneKeys drops expired auth keys and returns how many were removed.
func (g *Gateway) PruneKeys() int {
	return g.keys.prune()
}

// PendingKeys returns the number of auth keys not yet redeemed.
func (g *Gateway) PendingKeys() int {
	return g.keys.size()
}

// claimAccount binds s to name, failing when the account is online in
// another session.
func (g *Gateway) claimAccount(s *session.Session, name string) bool {
	if g.opts.Sessions == nil {
		s.SetAccount(name)
		return true
	}
	return g.opts.Sessions.ClaimAccount(s, name)
}

func (g *Gateway) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if g.opts.Bus == nil {
		return
	}
	g.opts.Bus.Emit(ctx, events.Event{Type: t, Source: "gateway", Payload: payload})
}
