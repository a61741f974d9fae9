package session_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/cipher"
	"github.com/energizer-project/shardgate/internal/compression"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/pipeline"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/session/sessiontest"
)

var v7090 = protocol.ClientVersion{Major: 7, Minor: 0, Revision: 9, Patch: 0}

func newSession(t *testing.T, opts session.Options) (*session.Session, *sessiontest.Transport) {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	tr := sessiontest.NewTransport()
	return session.New(1, tr, opts), tr
}

func TestLifecycleTransitions(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	assert.Equal(t, session.Connecting, s.State())

	assert.ErrorIs(t, s.Transition(session.InGame), session.ErrInvalidTransition)
	require.NoError(t, s.Transition(session.Connected))
	assert.ErrorIs(t, s.Transition(session.Connected), session.ErrInvalidTransition)
	require.NoError(t, s.Transition(session.Authenticated))
	require.NoError(t, s.Transition(session.InGame))
	assert.ErrorIs(t, s.Transition(session.Authenticated), session.ErrInvalidTransition)

	require.NoError(t, s.Transition(session.Disconnected))
	assert.ErrorIs(t, s.Transition(session.Error), session.ErrInvalidTransition)
	assert.ErrorIs(t, s.Transition(session.Connected), session.ErrInvalidTransition)
}

func TestErrorIsTerminal(t *testing.T) {
	s, tr := newSession(t, session.Options{})
	require.NoError(t, s.Transition(session.Connected))
	s.Fail(diag.FaultTransform, pipeline.ErrTransform)

	assert.Equal(t, session.Error, s.State())
	assert.True(t, s.Closed())
	assert.True(t, tr.Closed())

	s.Disconnect("later")
	assert.Equal(t, session.Error, s.State())
	assert.ErrorIs(t, s.Transition(session.Disconnected), session.ErrInvalidTransition)
}

func TestFeatureToggleAddsExactlyOneStage(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	s.SetSeed(0x12345678, v7090)

	require.NoError(t, s.SetFeatures(session.FeatureEncryption))
	assert.Equal(t, []string{cipher.StageName}, s.Stages())

	require.NoError(t, s.SetFeatures(session.FeatureEncryption|session.FeatureCompression))
	assert.Equal(t, []string{compression.StageName, cipher.StageName}, s.Stages())

	// Re-applying the same set never duplicates a stage.
	require.NoError(t, s.SetFeatures(session.FeatureEncryption|session.FeatureCompression))
	assert.Len(t, s.Stages(), 2)

	require.NoError(t, s.SetFeatures(session.FeatureEncryption))
	assert.Equal(t, []string{cipher.StageName}, s.Stages())

	require.NoError(t, s.SetFeatures(session.None))
	assert.Empty(t, s.Stages())
	assert.Equal(t, session.None, s.Features())
}

func TestEncryptionNeedsSeed(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	assert.ErrorIs(t, s.SetFeatures(session.FeatureEncryption), session.ErrNoSeed)
	assert.Empty(t, s.Stages())
}

func TestFeatureChangeDeferredWhileBuffering(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	require.NoError(t, s.SetFeatures(session.FeatureCompression))

	unit := compression.Compress(nil, (&protocol.Ping{Sequence: 9}).Encode())
	frames, err := s.Ingest(unit[:1])
	require.NoError(t, err)
	assert.Empty(t, frames)

	err = s.SetFeatures(session.None)
	assert.ErrorIs(t, err, session.ErrFeaturesDeferred)
	assert.ErrorIs(t, err, pipeline.ErrPipelineBusy)
	pending, ok := s.PendingFeatures()
	require.True(t, ok)
	assert.Equal(t, session.None, pending)
	assert.Equal(t, []string{compression.StageName}, s.Stages())

	// Still busy: nothing happens.
	require.NoError(t, s.ApplyPendingFeatures())
	assert.Len(t, s.Stages(), 1)

	frames, err = s.Ingest(unit[1:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{protocol.OpPing, 9}, frames[0])

	require.NoError(t, s.ApplyPendingFeatures())
	assert.Empty(t, s.Stages())
	_, ok = s.PendingFeatures()
	assert.False(t, ok)
}

func TestIngestSplitsFragmentedFrames(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	ping := (&protocol.Ping{Sequence: 1}).Encode()
	report := (&protocol.ClientVersionReport{Version: "7.0.9.0"}).Encode()
	stream := append(append(append([]byte{}, ping...), report...), ping...)

	var frames [][]byte
	for i := 0; i < len(stream); i += 4 {
		end := min(i+4, len(stream))
		out, err := s.Ingest(stream[i:end])
		require.NoError(t, err)
		frames = append(frames, out...)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, ping, frames[0])
	assert.Equal(t, report, frames[1])
	assert.Equal(t, ping, frames[2])
	assert.Zero(t, s.Buffered())
}

func TestUnknownOpcodeDiscardsAndCounts(t *testing.T) {
	stats := diag.NewStats()
	s, _ := newSession(t, session.Options{Observer: stats})

	frames, err := s.Ingest([]byte{0xFE, 0x01, 0x02, protocol.OpPing, 0x00})
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, s.Buffered())
	assert.Equal(t, int64(1), s.Faults())
	assert.Equal(t, uint64(1), stats.Snapshot().Faults["framing"])

	frames, err = s.Ingest((&protocol.Ping{Sequence: 3}).Encode())
	require.NoError(t, err)
	assert.Len(t, frames, 1, "connection continues after a framing fault")
}

func TestFaultThresholdMovesToError(t *testing.T) {
	s, tr := newSession(t, session.Options{FaultThreshold: 2})
	require.NoError(t, s.Transition(session.Connected))

	assert.False(t, s.Fault(diag.FaultDecode, 0x80, nil))
	assert.False(t, s.Fault(diag.FaultDecode, 0x80, nil))
	assert.True(t, s.Fault(diag.FaultDecode, 0x80, nil))

	assert.Equal(t, session.Error, s.State())
	assert.True(t, tr.Closed())
}

func TestTransformFaultIsReturned(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	require.NoError(t, s.SetFeatures(session.FeatureCompression))

	// "ab" leaves one padding bit in its last byte; set it.
	unit := compression.Compress(nil, []byte("ab"))
	unit[len(unit)-1] |= 0x01
	_, err := s.Ingest(unit)
	assert.ErrorIs(t, err, pipeline.ErrTransform)
}

func TestSendRunsThroughPipeline(t *testing.T) {
	s, tr := newSession(t, session.Options{})
	s.SetSeed(0xCAFE, v7090)
	require.NoError(t, s.SetFeatures(session.FeatureEncryption))

	require.NoError(t, s.Send(&protocol.Ping{Sequence: 5}))
	writes := tr.Writes()
	require.Len(t, writes, 1)

	peer := cipher.NewLoginCipher(0xCAFE, cipher.DeriveKeys(v7090))
	plain := make([]byte, len(writes[0]))
	peer.XORKeyStream(plain, writes[0])
	assert.Equal(t, []byte{protocol.OpPing, 5}, plain)
}

func TestDisconnectClearsBackReferences(t *testing.T) {
	s, tr := newSession(t, session.Options{})
	require.NoError(t, s.Transition(session.Connected))
	s.SetAccount("admin")
	s.SetMobile("Lord British")

	s.Disconnect("test")
	s.Disconnect("again")

	assert.Equal(t, session.Disconnected, s.State())
	assert.Empty(t, s.Account())
	assert.Empty(t, s.Mobile())
	assert.True(t, tr.Closed())

	s.SetAccount("late")
	assert.Empty(t, s.Account(), "late writers cannot resurrect a closed session")
	assert.ErrorIs(t, s.Send(&protocol.Ping{}), session.ErrClosed)
	assert.ErrorIs(t, s.SetFeatures(session.FeatureCompression), session.ErrClosed)
}

func TestInfoSnapshot(t *testing.T) {
	s, _ := newSession(t, session.Options{})
	s.SetSeed(1, v7090)
	require.NoError(t, s.SetFeatures(session.FeatureEncryption))
	s.SetAccount("admin")

	info := s.Info()
	assert.Equal(t, uint64(1), info.ID)
	assert.Equal(t, "admin", info.Account)
	assert.Equal(t, "7.0.9.0", info.Version)
	assert.Equal(t, []string{"encryption"}, info.Features)
	assert.WithinDuration(t, time.Now(), info.ConnectedAt, time.Minute)
}

func TestParseFeatures(t *testing.T) {
	f, err := session.ParseFeatures([]string{"compression", " Encryption "})
	require.NoError(t, err)
	assert.Equal(t, session.FeatureCompression|session.FeatureEncryption, f)
	assert.Equal(t, "encryption+compression", f.String())

	_, err = session.ParseFeatures([]string{"zlib"})
	assert.Error(t, err)
}
