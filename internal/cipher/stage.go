package cipher

import (
	"github.com/energizer-project/shardgate/internal/pipeline"
	"github.com/energizer-project/shardgate/internal/protocol"
)

// StageName is the pipeline name of the encryption stage.
const StageName = "encryption"

// Stage encrypts outbound bytes and decrypts inbound bytes. The two
// directions keep independent states seeded identically, mirroring the
// client which runs its own pair.
type Stage struct {
	send *LoginCipher
	recv *LoginCipher
}

// NewStage builds the stage for one connection.
func NewStage(seed uint32, version protocol.ClientVersion) *Stage {
	keys := DeriveKeys(version)
	return &Stage{
		send: NewLoginCipher(seed, keys),
		recv: NewLoginCipher(seed, keys),
	}
}

func (*Stage) Name() string          { return StageName }
func (*Stage) Layer() pipeline.Layer { return pipeline.LayerEncryption }

func (s *Stage) OnSend(frame []byte) ([]byte, error) {
	out := make([]byte, len(frame))
	s.send.XORKeyStream(out, frame)
	return out, nil
}

// OnReceive decrypts everything it is given; a stream cipher never halts.
func (s *Stage) OnReceive(in []byte) (bool, int, []byte, error) {
	out := make([]byte, len(in))
	s.recv.XORKeyStream(out, in)
	return false, len(in), out, nil
}
