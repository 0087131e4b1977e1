package audio_test

import (
	"math"
	"testing"

	"github.com/airlog-audio/airlog/pkg/audio"
)

func TestRMS_EmptyAndZeroBlocks(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS(make([]int16, audio.FrameSize)); got != 0 {
		t.Errorf("RMS(zero block) = %v, want 0", got)
	}
}

func TestRMS_FullScaleIsNearOne(t *testing.T) {
	t.Parallel()

	block := make([]int16, 128)
	for i := range block {
		block[i] = math.MaxInt16
	}
	got := audio.RMS(block)
	if got < 0.99 || got > 1.0 {
		t.Errorf("RMS(full-scale) = %v, want ~1.0", got)
	}
}

func TestRMS_TypicalSpeechRange(t *testing.T) {
	t.Parallel()

	// A ±3000 square wave is louder than typical speech but still well
	// inside the meter's working range.
	block := make([]int16, 256)
	for i := range block {
		if i%2 == 0 {
			block[i] = 3000
		} else {
			block[i] = -3000
		}
	}
	got := audio.RMS(block)
	want := 3000.0 / 32768.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("RMS = %v, want %v", got, want)
	}
}

func TestHistory_LevelsAlwaysInUnitRange(t *testing.T) {
	t.Parallel()

	h := audio.NewHistory(10)
	for _, v := range []float64{0.5, 0.01, 0.3, math.NaN(), math.Inf(1), 0.0001} {
		h.Push(v)
	}
	for i, lvl := range h.Levels() {
		if lvl < 0 || lvl > 1 {
			t.Errorf("Levels()[%d] = %v, outside [0,1]", i, lvl)
		}
	}
}

func TestHistory_NormalizesByRunningMax(t *testing.T) {
	t.Parallel()

	h := audio.NewHistory(10)
	h.Push(0.1)
	h.Push(0.2)

	levels := h.Levels()
	if len(levels) != 2 {
		t.Fatalf("len(Levels()) = %d, want 2", len(levels))
	}
	if math.Abs(levels[0]-0.5) > 1e-9 {
		t.Errorf("levels[0] = %v, want 0.5", levels[0])
	}
	if math.Abs(levels[1]-1.0) > 1e-9 {
		t.Errorf("levels[1] = %v, want 1.0", levels[1])
	}
}

func TestHistory_NearSilentUsesFloor(t *testing.T) {
	t.Parallel()

	// With all samples below the 0.001 floor, normalization divides by the
	// floor instead of blowing up.
	h := audio.NewHistory(5)
	h.Push(0.0005)
	levels := h.Levels()
	if math.Abs(levels[0]-0.5) > 1e-9 {
		t.Errorf("levels[0] = %v, want 0.5 (0.0005/0.001)", levels[0])
	}
}

func TestHistory_DropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	h := audio.NewHistory(3)
	for _, v := range []float64{1, 0.1, 0.2, 0.3, 0.4} {
		h.Push(v)
	}
	levels := h.Levels()
	want := []float64{0.2, 0.3, 0.4}
	if len(levels) != len(want) {
		t.Fatalf("len = %d, want %d", len(levels), len(want))
	}
	for i := range want {
		if math.Abs(levels[i]-want[i]) > 1e-9 {
			t.Errorf("levels[%d] = %v, want %v", i, levels[i], want[i])
		}
	}
}

func TestHistory_Reset(t *testing.T) {
	t.Parallel()

	h := audio.NewHistory(5)
	h.Push(0.9)
	h.Reset()
	if got := h.Levels(); len(got) != 0 {
		t.Errorf("Levels() after Reset = %v, want empty", got)
	}

	// The running max resets too: a small sample after Reset normalizes
	// against itself, not the pre-Reset peak.
	h.Push(0.1)
	if levels := h.Levels(); math.Abs(levels[0]-1.0) > 1e-9 {
		t.Errorf("levels[0] after reset = %v, want 1.0", levels[0])
	}
}

func TestSilenceMarker(t *testing.T) {
	t.Parallel()

	if !audio.IsSilenceMarker(audio.SilenceMarker()) {
		t.Error("IsSilenceMarker(SilenceMarker()) = false")
	}
	if audio.IsSilenceMarker([]byte{0x00}) {
		t.Error("1-byte payload reported as silence marker")
	}
	if audio.IsSilenceMarker([]byte{0x00, 0x01}) {
		t.Error("non-zero 2-byte payload reported as silence marker")
	}
	if audio.IsSilenceMarker([]byte{0x00, 0x00, 0x00}) {
		t.Error("3-byte payload reported as silence marker")
	}
}

func TestPCMByteConversionRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := audio.BytesToInt16s(audio.Int16sToBytes(pcm))
	if len(got) != len(pcm) {
		t.Fatalf("len = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}
