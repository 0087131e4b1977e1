package audio_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airlog-audio/airlog/pkg/audio"
	"github.com/airlog-audio/airlog/pkg/audio/mock"
)

// encodeFrame builds a payload the mock codec will decode back to a constant
// block.
func encodeFrame(t *testing.T, v int16) []byte {
	t.Helper()
	enc := &mock.Codec{}
	payload, err := enc.Encode(toneBlock(v))
	if err != nil {
		t.Fatalf("mock encode: %v", err)
	}
	return payload
}

func startPlayback(t *testing.T, codec *mock.Codec) (*audio.PlaybackStream, *mock.OutputDevice) {
	t.Helper()
	dev := &mock.OutputDevice{}
	opener := &mock.Opener{Output: dev}
	p := audio.NewPlayback(opener, codec.Factory())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, dev
}

func TestPlayback_DecodesInArrivalOrder(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, dev := startPlayback(t, codec)
	defer p.Stop()

	want := []int16{100, 200, 300, 400}
	for _, v := range want {
		if !p.OnFrame(encodeFrame(t, v)) {
			t.Fatalf("OnFrame(%d) rejected", v)
		}
	}
	waitFor(t, time.Second, func() bool { return len(dev.WrittenBlocks()) == len(want) })

	blocks := dev.WrittenBlocks()
	for i, v := range want {
		if blocks[i][0] != v {
			t.Errorf("block %d starts with %d, want %d", i, blocks[i][0], v)
		}
	}
	if p.Processed() != int64(len(want)) {
		t.Errorf("Processed() = %d, want %d", p.Processed(), len(want))
	}
}

func TestPlayback_DecodeFailureDegradesToSilence(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, dev := startPlayback(t, codec)
	defer p.Stop()

	p.OnFrame(encodeFrame(t, 100))
	p.OnFrame([]byte{0xde, 0xad, 0xbe, 0xef}) // corrupt
	p.OnFrame(encodeFrame(t, 300))
	waitFor(t, time.Second, func() bool { return len(dev.WrittenBlocks()) == 3 })

	// Exactly 3 decode attempts, in order, corrupt one included.
	if codec.CallCountDecode != 3 {
		t.Fatalf("decode count = %d, want 3", codec.CallCountDecode)
	}
	blocks := dev.WrittenBlocks()
	if blocks[0][0] != 100 {
		t.Errorf("block 0 = %d, want 100", blocks[0][0])
	}
	for i, s := range blocks[1] {
		if s != 0 {
			t.Fatalf("corrupt frame not rendered as silence (sample %d = %d)", i, s)
		}
	}
	if blocks[2][0] != 300 {
		t.Errorf("block 2 = %d, want 300", blocks[2][0])
	}
}

func TestPlayback_SilenceMarkerSkipsDecoder(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, dev := startPlayback(t, codec)
	defer p.Stop()

	p.OnFrame(audio.SilenceMarker())
	waitFor(t, time.Second, func() bool { return len(dev.WrittenBlocks()) == 1 })

	if codec.CallCountDecode != 0 {
		t.Errorf("decoder invoked %d times on a silence marker, want 0", codec.CallCountDecode)
	}
	block := dev.WrittenBlocks()[0]
	if len(block) != audio.FrameSize {
		t.Fatalf("silence block is %d samples, want %d", len(block), audio.FrameSize)
	}
	for _, s := range block {
		if s != 0 {
			t.Fatal("silence marker rendered non-zero samples")
		}
	}
}

func TestPlayback_ProgressClampedToUnitRange(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	dev := &mock.OutputDevice{}
	opener := &mock.Opener{Output: dev}
	p := audio.NewPlayback(opener, codec.Factory())

	if got := p.Progress(); got != 0 {
		t.Errorf("Progress() before start = %v, want 0", got)
	}

	// Two frames expected: progress passes through (0,1) then clamps at 1.
	p.SetExpectedDuration(2 * audio.FrameDuration)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.OnFrame(encodeFrame(t, 100))
	waitFor(t, time.Second, func() bool { return p.Progress() > 0 })

	time.Sleep(3 * audio.FrameDuration)
	if got := p.Progress(); got != 1 {
		t.Errorf("Progress() past expected duration = %v, want 1", got)
	}
}

func TestPlayback_StopResetsCountersAndReleases(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, dev := startPlayback(t, codec)

	p.SetExpectedDuration(10 * audio.FrameDuration)
	p.OnFrame(encodeFrame(t, 100))
	waitFor(t, time.Second, func() bool { return len(dev.WrittenBlocks()) == 1 })

	p.Stop()
	p.Stop() // idempotent

	if p.Playing() {
		t.Error("Playing() = true after Stop")
	}
	if p.Processed() != 0 {
		t.Errorf("Processed() = %d after Stop, want 0", p.Processed())
	}
	if p.Progress() != 0 {
		t.Errorf("Progress() = %v after Stop, want 0", p.Progress())
	}
	if dev.CallCountClose == 0 {
		t.Error("output device never closed")
	}
	if codec.CallCountClose == 0 {
		t.Error("codec never closed")
	}
	if p.OnFrame(encodeFrame(t, 100)) {
		t.Error("OnFrame accepted after Stop")
	}
}

func TestPlayback_GracefulStopRejectsNewFramesAndDrains(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, dev := startPlayback(t, codec)

	for i := range 5 {
		if !p.OnFrame(encodeFrame(t, int16(i+1))) {
			t.Fatalf("OnFrame %d rejected", i)
		}
	}
	waitFor(t, time.Second, func() bool { return len(dev.WrittenBlocks()) == 5 })

	done := make(chan struct{})
	go func() {
		p.StopGracefully(time.Second)
		close(done)
	}()

	// Frames offered once the drain begins are rejected.
	waitFor(t, time.Second, func() bool { return !p.OnFrame(audio.SilenceMarker()) })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("StopGracefully did not return")
	}

	// Everything queued before the drain still rendered, in order.
	blocks := dev.WrittenBlocks()
	if len(blocks) < 5 {
		t.Fatalf("rendered %d blocks, want at least 5", len(blocks))
	}
	for i := range 5 {
		if blocks[i][0] != int16(i+1) {
			t.Errorf("block %d = %d, want %d", i, blocks[i][0], i+1)
		}
	}
	if p.Playing() {
		t.Error("Playing() = true after graceful stop")
	}
}

func TestPlayback_StartWhileRunningFails(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	p, _ := startPlayback(t, codec)
	defer p.Stop()

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestPlayback_OutputOpenErrorReleasesCodec(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	opener := &mock.Opener{OutputError: errors.New("device busy")}
	p := audio.NewPlayback(opener, codec.Factory())

	err := p.Start(context.Background())
	var devErr *audio.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Start error = %v, want *DeviceError", err)
	}
	if codec.CallCountClose != 1 {
		t.Errorf("codec close count = %d, want 1", codec.CallCountClose)
	}
}

func TestPlayback_RenderAndDecodeFailureHooks(t *testing.T) {
	t.Parallel()

	var rendered, decodeFailures atomic.Int64
	codec := &mock.Codec{}
	dev := &mock.OutputDevice{}
	opener := &mock.Opener{Output: dev}
	p := audio.NewPlayback(opener, codec.Factory(),
		audio.WithFrameRenderedFunc(func() { rendered.Add(1) }),
		audio.WithDecodeFailureFunc(func() { decodeFailures.Add(1) }),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.OnFrame(encodeFrame(t, 100))
	p.OnFrame([]byte{0xde, 0xad, 0xbe, 0xef}) // corrupt
	p.OnFrame(audio.SilenceMarker())
	waitFor(t, time.Second, func() bool { return rendered.Load() == 3 })

	// The corrupt frame still renders (as silence) and still counts; only
	// the decode failure is reported separately.
	if decodeFailures.Load() != 1 {
		t.Errorf("decode failure hook fired %d times, want 1", decodeFailures.Load())
	}
	if len(dev.WrittenBlocks()) != 3 {
		t.Errorf("rendered %d blocks, want 3", len(dev.WrittenBlocks()))
	}
}
