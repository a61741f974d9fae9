package compression

import (
	"github.com/energizer-project/shardgate/internal/pipeline"
)

// StageName is the pipeline name of the compression stage.
const StageName = "compression"

// Stage adapts the coder to the pipeline. It holds no state: the pipeline
// keeps the partial units.
type Stage struct{}

// NewStage returns a compression stage.
func NewStage() *Stage {
	return &Stage{}
}

func (*Stage) Name() string          { return StageName }
func (*Stage) Layer() pipeline.Layer { return pipeline.LayerCompression }

// OnSend compresses frame as one unit, splitting only frames larger than
// MaxUnitSize.
func (*Stage) OnSend(frame []byte) ([]byte, error) {
	out := make([]byte, 0, MaxCompressedSize(len(frame)))
	for len(frame) > MaxUnitSize {
		out = Compress(out, frame[:MaxUnitSize])
		frame = frame[MaxUnitSize:]
	}
	return Compress(out, frame), nil
}

// OnReceive decodes at most one unit per call.
func (*Stage) OnReceive(in []byte) (bool, int, []byte, error) {
	out, consumed, halt, err := Decompress(in)
	if err != nil {
		return false, 0, nil, err
	}
	return halt, consumed, out, nil
}
