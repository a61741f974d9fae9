package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/wire"
)

// legacySeedLength is the raw big-endian seed older clients send instead of
// a LoginSeed frame.
const legacySeedLength = 4

// Policy resolves the features a client version negotiates.
type Policy interface {
	FeaturesFor(ctx context.Context, version protocol.ClientVersion) (session.Features, error)
}

// StaticPolicy grants the same features to every client.
type StaticPolicy session.Features

func (p StaticPolicy) FeaturesFor(context.Context, protocol.ClientVersion) (session.Features, error) {
	return session.Features(p), nil
}

// HandshakeOptions controls feature negotiation.
type HandshakeOptions struct {
	DefaultVersion                 protocol.ClientVersion
	AllowCompressionWithEncryption bool
}

// client drives one session from its connection's owner loop: it reads the
// handshake, negotiates features and feeds the rest through the pipeline.
type client struct {
	ctx        context.Context
	s          *session.Session
	dispatcher *dispatch.Dispatcher
	policy     Policy
	opts       HandshakeOptions
	stats      *diag.Stats
	logger     zerolog.Logger

	head  []byte
	ready bool
}

func newClient(ctx context.Context, s *session.Session, d *dispatch.Dispatcher, policy Policy, opts HandshakeOptions, stats *diag.Stats) *client {
	if policy == nil {
		policy = StaticPolicy(session.None)
	}
	return &client{
		ctx:        ctx,
		s:          s,
		dispatcher: d,
		policy:     policy,
		opts:       opts,
		stats:      stats,
		logger:     s.Logger(),
	}
}

func (c *client) OnData(chunk []byte) bool {
	if !c.ready {
		c.s.Touch()
		c.head = append(c.head, chunk...)
		rest, done, err := c.handshake()
		if err != nil {
			c.logger.Warn().Err(err).Msg("handshake failed")
			if c.stats != nil {
				c.stats.HandshakeFailed()
			}
			c.s.Fail(diag.FaultState, err)
			return false
		}
		if !done {
			return true
		}
		c.head = nil
		c.ready = true
		if len(rest) == 0 {
			return true
		}
		chunk = rest
	}
	return c.ingest(chunk)
}

func (c *client) OnClose() {
	c.s.Disconnect("connection closed")
	c.s.ResetPipeline()
}

// handshake consumes the seed. Nothing after it is touched until the
// negotiated features are in place.
func (c *client) handshake() ([]byte, bool, error) {
	var (
		seed    uint32
		version protocol.ClientVersion
		n       int
	)
	if c.head[0] == protocol.OpLoginSeed {
		var p protocol.LoginSeed
		n = p.Length()
		if len(c.head) < n {
			return nil, false, nil
		}
		if !p.Decode(c.head[:n]) {
			return nil, false, fmt.Errorf("malformed login seed")
		}
		seed, version = p.Seed, p.Version
	} else {
		n = legacySeedLength
		if len(c.head) < n {
			return nil, false, nil
		}
		seed, _ = wire.NewReader(c.head).ReadUint32BE()
		version = c.opts.DefaultVersion
	}

	c.s.SetSeed(seed, version)
	if err := c.s.Transition(session.Connected); err != nil {
		return nil, false, err
	}

	want, err := c.negotiate(version)
	if err != nil {
		return nil, false, err
	}
	if err := c.s.SetFeatures(want); err != nil {
		return nil, false, fmt.Errorf("apply features %s: %w", want, err)
	}

	c.logger.Info().
		Str("version", version.String()).
		Bool("legacy_seed", n == legacySeedLength).
		Str("features", want.String()).
		Msg("handshake complete")
	return c.head[n:], true, nil
}

func (c *client) negotiate(version protocol.ClientVersion) (session.Features, error) {
	want, err := c.policy.FeaturesFor(c.ctx, version)
	if err != nil {
		return session.None, fmt.Errorf("resolve features for %s: %w", version, err)
	}
	both := session.FeatureEncryption | session.FeatureCompression
	if want&both == both && !c.opts.AllowCompressionWithEncryption {
		c.logger.Warn().Str("version", version.String()).Msg("policy asks for compression with encryption, dropping compression")
		want &^= session.FeatureCompression
	}
	return want, nil
}

func (c *client) ingest(chunk []byte) bool {
	frames, err := c.s.Ingest(chunk)
	if err != nil {
		c.s.Fail(diag.FaultTransform, err)
		return false
	}
	for _, frame := range frames {
		if err := c.dispatcher.Dispatch(c.s, frame); err != nil && !errors.Is(err, dispatch.ErrDecode) {
			c.logger.Warn().Err(err).Msg("dispatch failed")
		}
		if c.s.Closed() {
			return false
		}
	}
	if err := c.s.ApplyPendingFeatures(); err != nil && !errors.Is(err, session.ErrFeaturesDeferred) {
		c.logger.Warn().Err(err).Msg("deferred feature change rejected")
	}
	return !c.s.Closed()
}
