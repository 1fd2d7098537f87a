package stats

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/zsiec/depay/internal/rtpreader"
)

func TestTrackStatsRecordVideoFrame(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)

	ts.RecordVideoFrame(1000, true, 0)
	ts.RecordVideoFrame(500, false, 33_333)
	ts.RecordVideoFrame(500, false, 66_666)

	vs := ts.Snapshot().Video
	if vs.TotalFrames != 3 {
		t.Fatalf("TotalFrames = %d, want 3", vs.TotalFrames)
	}
	if vs.KeyFrames != 1 {
		t.Fatalf("KeyFrames = %d, want 1", vs.KeyFrames)
	}
	if vs.DeltaFrames != 2 {
		t.Fatalf("DeltaFrames = %d, want 2", vs.DeltaFrames)
	}
	if vs.CurrentGOPLen != 3 {
		t.Fatalf("CurrentGOPLen = %d, want 3", vs.CurrentGOPLen)
	}
	if vs.TotalBytes != 2000 {
		t.Fatalf("TotalBytes = %d, want 2000", vs.TotalBytes)
	}
	if vs.FirstPTS != 0 || vs.LastPTS != 66_666 {
		t.Fatalf("PTS range = [%d, %d], want [0, 66666]", vs.FirstPTS, vs.LastPTS)
	}
}

func TestTrackStatsGOPReset(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)

	ts.RecordVideoFrame(1000, true, 0)
	ts.RecordVideoFrame(500, false, 33_333)
	ts.RecordVideoFrame(1000, true, 66_666)

	if got := ts.Snapshot().Video.CurrentGOPLen; got != 1 {
		t.Fatalf("CurrentGOPLen = %d after new keyframe, want 1", got)
	}
}

func TestTrackStatsRates(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)

	// 31 frames of 1250 bytes at 30fps span one second of media time.
	for i := 0; i <= 30; i++ {
		ts.RecordVideoFrame(1250, i == 0, int64(i)*1_000_000/30)
	}

	vs := ts.Snapshot().Video
	if math.Abs(vs.FrameRate-30) > 0.01 {
		t.Fatalf("FrameRate = %f, want 30", vs.FrameRate)
	}
	if want := 31 * 1250 * 8 / 1000.0; math.Abs(vs.BitrateKbps-want) > 0.5 {
		t.Fatalf("BitrateKbps = %f, want %f", vs.BitrateKbps, want)
	}
}

func TestTrackStatsRateWindowSlides(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)
	for i := 0; i < 300; i++ {
		ts.RecordVideoFrame(100, false, int64(i)*40_000)
	}

	ts.windowMu.Lock()
	n := len(ts.window)
	ts.windowMu.Unlock()
	if n != 51 {
		t.Fatalf("window holds %d samples, want 51", n)
	}
}

func TestTrackStatsPTSErrors(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)

	ts.RecordVideoFrame(1000, true, 10_000_000)
	ts.RecordVideoFrame(500, false, 9_966_667) // B-frame order, not an error
	ts.RecordVideoFrame(500, false, 20_000_000)
	ts.RecordVideoFrame(500, false, 1_000_000)

	if got := ts.Snapshot().Video.PTSErrors; got != 2 {
		t.Fatalf("PTSErrors = %d, want 2", got)
	}
}

func TestTrackStatsRTPCounters(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(3, 98)

	ts.RecordPacket(1200)
	ts.RecordPacket(800)
	ts.RecordPacketLoss(2)
	ts.RecordPacketLoss(1)
	ts.RecordContinuityBreak()
	ts.RecordParseError()

	snap := ts.Snapshot()
	if snap.TrackID != 3 || snap.PayloadType != 98 {
		t.Fatalf("track = %d/%d, want 3/98", snap.TrackID, snap.PayloadType)
	}
	want := RTPStats{Packets: 2, PayloadBytes: 2000, PacketsLost: 3, ContinuityBreaks: 1, ParseErrors: 1}
	if snap.RTP != want {
		t.Fatalf("RTP = %+v, want %+v", snap.RTP, want)
	}
}

func TestTrackStatsRecordFormat(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 98)
	ts.RecordFormat(rtpreader.Format{Codec: "h265", CodecString: "hev1.1.6.L93.B0", Width: 1280, Height: 720})
	ts.RecordFormat(rtpreader.Format{Codec: "h265", CodecString: "hev1.1.6.L120.B0", Width: 1920, Height: 1080})

	vs := ts.Snapshot().Video
	if vs.Codec != "h265" || vs.CodecString != "hev1.1.6.L120.B0" {
		t.Fatalf("codec = %q/%q", vs.Codec, vs.CodecString)
	}
	if vs.Width != 1920 || vs.Height != 1080 {
		t.Fatalf("resolution = %dx%d, want 1920x1080", vs.Width, vs.Height)
	}
	if vs.FormatChanges != 2 {
		t.Fatalf("FormatChanges = %d, want 2", vs.FormatChanges)
	}
}

func TestTrackStatsRecordCaption(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)

	ts.RecordCaption(7)
	ts.RecordCaption(1)
	ts.RecordCaption(1)

	cs := ts.Snapshot().Captions
	if cs.TotalFrames != 3 {
		t.Fatalf("TotalFrames = %d, want 3", cs.TotalFrames)
	}
	if len(cs.ActiveChannels) != 2 || cs.ActiveChannels[0] != 1 || cs.ActiveChannels[1] != 7 {
		t.Fatalf("ActiveChannels = %v, want [1 7]", cs.ActiveChannels)
	}
}

func TestTrackStatsRecordTimecode(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)
	ts.RecordTimecode("01:02:03:04")

	if got := ts.Snapshot().Video.Timecode; got != "01:02:03:04" {
		t.Fatalf("Timecode = %q, want %q", got, "01:02:03:04")
	}
}

func TestTrackSnapshotJSON(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(1, 96)
	ts.RecordPacket(100)
	ts.RecordVideoFrame(100, true, 0)

	data, err := json.Marshal(ts.Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"trackId", "payloadType", "rtp", "video", "captions"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("snapshot JSON missing %q: %s", key, data)
		}
	}
	if _, ok := decoded["video"].(map[string]any)["timecode"]; ok {
		t.Errorf("empty timecode should be omitted: %s", data)
	}
}

func TestTrackStatsConcurrentAccess(t *testing.T) {
	t.Parallel()

	ts := NewTrackStats(0, 96)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func(n int) {
			defer wg.Done()
			ts.RecordVideoFrame(int64(n*100), n%5 == 0, int64(n*3000))
		}(i)
		go func(n int) {
			defer wg.Done()
			ts.RecordPacket(n)
			ts.RecordPacketLoss(1)
		}(i)
		go func(n int) {
			defer wg.Done()
			ts.RecordCaption(n % 4)
			_ = ts.Snapshot()
		}(i)
	}

	wg.Wait()

	snap := ts.Snapshot()
	if snap.Video.TotalFrames != 100 {
		t.Fatalf("TotalFrames = %d, want 100", snap.Video.TotalFrames)
	}
	if snap.RTP.PacketsLost != 100 {
		t.Fatalf("PacketsLost = %d, want 100", snap.RTP.PacketsLost)
	}
	if snap.Captions.TotalFrames != 100 {
		t.Fatalf("caption frames = %d, want 100", snap.Captions.TotalFrames)
	}
}
