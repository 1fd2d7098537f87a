package rtpreader

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	timeUs   int64
	keyframe bool
	data     []byte
}

// fakeOutput records everything a reader publishes for one track.
type fakeOutput struct {
	t       *testing.T
	trackID int
	formats []Format
	samples []sample
	pending []byte
	losses  int
	breaks  int
}

func newFakeOutput(t *testing.T) *fakeOutput {
	return &fakeOutput{t: t, trackID: -1}
}

func (o *fakeOutput) Track(id int) TrackOutput {
	o.trackID = id
	return o
}

func (o *fakeOutput) Format(f Format) { o.formats = append(o.formats, f) }

func (o *fakeOutput) SampleData(data []byte) {
	o.pending = append([]byte(nil), data...)
}

func (o *fakeOutput) SampleMetadata(timeUs int64, keyframe bool, size int) {
	require.Equal(o.t, len(o.pending), size, "sample size must match the preceding SampleData")
	o.samples = append(o.samples, sample{timeUs: timeUs, keyframe: keyframe, data: o.pending})
	o.pending = nil
}

func (o *fakeOutput) RecordPacketLoss(lost int) { o.losses += lost }
func (o *fakeOutput) RecordContinuityBreak()    { o.breaks++ }

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
