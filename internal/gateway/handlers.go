package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
)

// ErrUnexpectedPacket is charged as a state fault when a login-flow packet
// arrives out of order.
var ErrUnexpectedPacket = errors.New("packet not valid in current state")

const (
	serverListFlags = 0x5D
	characterSlots  = 5
)

// expect charges a state fault unless s is in want.
func expect(s *session.Session, want session.State, op byte) bool {
	if st := s.State(); st != want {
		s.Fault(diag.FaultState, int(op),
			fmt.Errorf("%w: %s in %s", ErrUnexpectedPacket, protocol.Name(op), st))
		return false
	}
	return true
}

// rejectReason maps an authentication error to the wire reason and a short
// text for the login history.
func rejectReason(err error) (byte, string) {
	switch {
	case errors.Is(err, db.ErrAccountNotFound), errors.Is(err, db.ErrInvalidName):
		return protocol.RejectInvalid, "unknown account"
	case errors.Is(err, db.ErrBadPassword):
		return protocol.RejectBadPassword, "bad password"
	case errors.Is(err, db.ErrAccountBlocked):
		return protocol.RejectBlocked, "blocked"
	default:
		return protocol.RejectCommunication, "store error"
	}
}

func (g *Gateway) authenticate(ctx context.Context, name, password string) (*db.Account, error) {
	acct, err := g.accounts.Authenticate(ctx, name, password)
	if errors.Is(err, db.ErrAccountNotFound) && g.opts.AutoCreateAccounts {
		if _, err := g.accounts.CreateAccount(ctx, name, password); err != nil {
			return nil, err
		}
		return g.accounts.Authenticate(ctx, name, password)
	}
	return acct, err
}

func (g *Gateway) reject(s *session.Session, reason byte) {
	if err := s.SendAndDisconnect(&protocol.AccountLoginRejected{Reason: reason}, "login rejected"); err != nil {
		s.Disconnect("login rejected")
	}
}

func (g *Gateway) handleAccountLogin(ctx context.Context, s *session.Session, p *protocol.AccountLoginRequest) {
	if !expect(s, session.Connected, protocol.OpAccountLogin) {
		return
	}
	logger := s.Logger()

	acct, err := g.authenticate(ctx, p.Username, p.Password)
	var (
		reason byte
		text   string
	)
	switch {
	case err != nil:
		reason, text = rejectReason(err)
		if reason == protocol.RejectCommunication {
			logger.Error().Err(err).Str("account", p.Username).Msg("account lookup failed")
		}
	case !g.claimAccount(s, acct.Name):
		reason, text = protocol.RejectInUse, "in use"
	}
	accepted := text == ""

	if err := g.accounts.RecordLogin(p.Username, s.RemoteAddr(), accepted, text); err != nil {
		logger.Warn().Err(err).Msg("failed to record login")
	}
	g.emit(ctx, events.EventAccountLogin, events.LoginPayload{
		SessionID: s.ID(),
		Account:   p.Username,
		Accepted:  accepted,
		Reason:    reason,
	})

	if !accepted {
		logger.Info().Str("account", p.Username).Str("reason", text).Msg("login rejected")
		g.reject(s, reason)
		return
	}

	if err := s.Transition(session.Authenticated); err != nil {
		logger.Debug().Err(err).Msg("login raced with disconnect")
		return
	}

	list := &protocol.ServerList{Flags: serverListFlags}
	for _, sh := range g.opts.Shards.Shards() {
		if !sh.Up {
			continue
		}
		list.Servers = append(list.Servers, protocol.ServerEntry{
			Index:    sh.Index,
			Name:     sh.Name,
			Percent:  sh.Percent,
			Timezone: sh.Timezone,
			Address:  protocol.IPv4ToUint32(sh.Address),
		})
	}
	logger.Info().Str("account", acct.Name).Int("shards", len(list.Servers)).Msg("account logged in")
	_ = s.Send(list)
}

func (g *Gateway) handleSelectServer(ctx context.Context, s *session.Session, p *protocol.SelectServer) {
	if !expect(s, session.Authenticated, protocol.OpSelectServer) {
		return
	}
	logger := s.Logger()
	account := s.Account()

	var (
		shard Shard
		found bool
	)
	for _, sh := range g.opts.Shards.Shards() {
		if sh.Index == p.Index {
			shard, found = sh, true
			break
		}
	}
	if !found || !shard.Up {
		logger.Info().Uint16("index", p.Index).Bool("known", found).Msg("shard unavailable")
		g.reject(s, protocol.RejectCommunication)
		return
	}

	key, err := g.keys.issue(account)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue auth key")
		g.reject(s, protocol.RejectCommunication)
		return
	}

	address := fmt.Sprintf("%s:%d", shard.Address, shard.Port)
	logger.Info().Str("account", account).Str("shard", shard.Name).Str("address", address).Msg("redirecting to shard")
	g.emit(ctx, events.EventShardSelect, events.ShardPayload{
		SessionID: s.ID(),
		Account:   account,
		Shard:     shard.Name,
		Address:   address,
	})
	_ = s.Send(&protocol.ServerRedirect{
		Address: protocol.IPv4ToUint32(shard.Address),
		Port:    shard.Port,
		AuthKey: key,
	})
}

func (g *Gateway) handleGameLogin(ctx context.Context, s *session.Session, p *protocol.GameLoginRequest) {
	if !expect(s, session.Connected, protocol.OpGameLogin) {
		return
	}
	logger := s.Logger()

	if !g.keys.redeem(p.AuthKey, p.Username) {
		logger.Info().Str("account", p.Username).Msg("game login with invalid auth key")
		g.reject(s, protocol.RejectInvalid)
		return
	}
	acct, err := g.accounts.Authenticate(ctx, p.Username, p.Password)
	if err != nil {
		reason, text := rejectReason(err)
		logger.Info().Str("account", p.Username).Str("reason", text).Msg("game login rejected")
		g.reject(s, reason)
		return
	}
	if !g.claimAccount(s, acct.Name) {
		logger.Info().Str("account", acct.Name).Msg("game login rejected: account in use")
		g.reject(s, protocol.RejectInUse)
		return
	}

	if err := s.Transition(session.Authenticated); err != nil {
		return
	}
	logger.Info().Str("account", acct.Name).Msg("game login accepted")
	_ = s.Send(&protocol.CharacterList{Slots: make([]protocol.CharacterSlot, characterSlots)})
}

func (g *Gateway) handlePlayCharacter(_ context.Context, s *session.Session, p *protocol.PlayCharacter) {
	if !expect(s, session.Authenticated, protocol.OpPlayCharacter) {
		return
	}
	s.SetMobile(p.Name)
	if err := s.Transition(session.InGame); err == nil {
		logger := s.Logger()
		logger.Info().Str("account", s.Account()).Str("mobile", p.Name).Uint32("slot", p.Slot).Msg("entered world")
	}
}

func (g *Gateway) handlePing(_ context.Context, s *session.Session, p *protocol.Ping) {
	_ = s.Send(&protocol.Ping{Sequence: p.Sequence})
}

func (g *Gateway) handleVersionReport(_ context.Context, s *session.Session, p *protocol.ClientVersionReport) {
	s.SetVersionReport(p.Version)
	logger := s.Logger()
	logger.Debug().Str("reported", p.Version).Str("declared", s.Version().String()).Msg("client version report")
}

func (g *Gateway) handleSpeech(_ context.Context, s *session.Session, p *protocol.UnicodeSpeechRequest) {
	if s.State() != session.InGame {
		return
	}
	logger := s.Logger()
	logger.Info().
		Str("mobile", s.Mobile()).
		Str("language", p.Language).
		Uint8("type", p.Type).
		Str("text", p.Text).
		Msg("speech")
}
