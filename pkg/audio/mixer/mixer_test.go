package mixer_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mixer"
)

// 1 kHz mono keeps frame arithmetic readable: one frame per millisecond.
var mono1k = audio.Format{SampleRate: 1000, Channels: 1}

func constFrame(f audio.Format, frames int, v int16) audio.AudioFrame {
	data := make([]byte, frames*2*f.Channels)
	for i := 0; i < len(data); i += 2 {
		binary.LittleEndian.PutUint16(data[i:], uint16(v))
	}
	return audio.AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels}
}

func read(t *testing.T, tl *mixer.Timeline, frames int) []int16 {
	t.Helper()
	fb := 2 * tl.Format().Channels
	p := make([]byte, frames*fb)
	n, err := tl.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(p) {
		t.Fatalf("Read: got %d bytes, want %d", n, len(p))
	}
	out := make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

func endedSignal() (func(), <-chan struct{}) {
	ch := make(chan struct{}, 1)
	return func() { ch <- struct{}{} }, ch
}

func waitEnded(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("onEnded not called")
	}
}

func TestTimeline_RendersAtScheduledPosition(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	onEnded, ended := endedSignal()
	if _, err := tl.Play(constFrame(mono1k, 3, 100), 2*time.Millisecond, onEnded); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got := read(t, tl, 8)
	want := []int16{0, 0, 100, 100, 100, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, got, want)
		}
	}
	if tl.Now() != 8*time.Millisecond {
		t.Errorf("Now: got %v, want 8ms", tl.Now())
	}
	waitEnded(t, ended)
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 48000, Channels: 1}
	tl := mixer.New(f)
	defer tl.Close()

	a := constFrame(f, 1, 1) // 20833 ns, truncated
	b := constFrame(f, 2, 2)
	if _, err := tl.Play(a, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Play(b, a.Duration(), nil); err != nil {
		t.Fatal(err)
	}

	got := read(t, tl, 4)
	want := []int16{1, 2, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTimeline_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	read(t, tl, 10)
	if _, err := tl.Play(constFrame(mono1k, 2, 7), time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	got := read(t, tl, 3)
	if got[0] != 7 || got[1] != 7 || got[2] != 0 {
		t.Errorf("got %v, want [7 7 0]", got)
	}
}

func TestTimeline_StopSilencesAndSuppressesCallback(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	onEnded, ended := endedSignal()
	v, err := tl.Play(constFrame(mono1k, 4, 9), 0, onEnded)
	if err != nil {
		t.Fatal(err)
	}
	first := read(t, tl, 2)
	v.Stop()
	v.Stop()
	rest := read(t, tl, 4)

	if first[0] != 9 || first[1] != 9 {
		t.Errorf("before stop: got %v", first)
	}
	for i, s := range rest {
		if s != 0 {
			t.Errorf("sample %d after stop: %d", i, s)
		}
	}
	select {
	case <-ended:
		t.Error("onEnded called for stopped voice")
	case <-time.After(50 * time.Millisecond):
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending: got %d", tl.Pending())
	}
}

func TestTimeline_MixesAndClamps(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	tl.Play(constFrame(mono1k, 2, 30000), 0, nil)
	tl.Play(constFrame(mono1k, 2, 30000), 0, nil)
	tl.Play(constFrame(mono1k, 1, -5), time.Millisecond, nil)

	got := read(t, tl, 2)
	if got[0] != 32767 {
		t.Errorf("clamped sum: got %d", got[0])
	}
	if got[1] != 32767 {
		t.Errorf("three voices: got %d", got[1])
	}
}

func TestTimeline_ConvertsFormat(t *testing.T) {
	t.Parallel()

	stereo := audio.Format{SampleRate: 1000, Channels: 2}
	tl := mixer.New(stereo)
	defer tl.Close()

	tl.Play(constFrame(mono1k, 2, 11), 0, nil)
	got := read(t, tl, 2)
	want := []int16{11, 11, 11, 11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTimeline_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	// A 1 kHz stream on a 2 kHz device: 5 ms of audio still ends at 5 ms.
	dev := audio.Format{SampleRate: 2000, Channels: 1}
	tl := mixer.New(dev)
	defer tl.Close()

	onEnded, ended := endedSignal()
	if _, err := tl.Play(constFrame(mono1k, 5, 7), 0, onEnded); err != nil {
		t.Fatalf("Play: %v", err)
	}
	got := read(t, tl, 12)
	for i, v := range got {
		want := int16(7)
		if i >= 10 {
			want = 0
		}
		if v != want {
			t.Fatalf("sample %d: got %d, want %d (%v)", i, v, want, got)
		}
	}
	waitEnded(t, ended)
}

func TestTimeline_RejectsPartialFrame(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	bad := audio.AudioFrame{Data: make([]byte, 3), SampleRate: 1000, Channels: 1}
	if _, err := tl.Play(bad, 0, nil); !errors.Is(err, audio.ErrPartialFrame) {
		t.Errorf("Play: got %v, want ErrPartialFrame", err)
	}
	if tl.Pending() != 0 {
		t.Errorf("pending after rejected play: %d", tl.Pending())
	}
}

func TestTimeline_CallbacksInEndOrder(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	defer tl.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	mark := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}
	}
	tl.Play(constFrame(mono1k, 2, 1), 4*time.Millisecond, mark(3))
	tl.Play(constFrame(mono1k, 2, 1), 0, mark(1))
	tl.Play(constFrame(mono1k, 2, 1), 2*time.Millisecond, mark(2))

	read(t, tl, 3)
	read(t, tl, 3)
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callback order: got %v, want [1 2 3]", order)
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()

	tl := mixer.New(mono1k)
	tl.Play(constFrame(mono1k, 2, 1), 0, nil)
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tl.Play(constFrame(mono1k, 1, 1), 0, nil); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Play after Close: got %v", err)
	}
	if _, err := tl.Read(make([]byte, 4)); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Read after Close: got %v", err)
	}
}

func TestTimeline_PartialFrameRead(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.Format{SampleRate: 1000, Channels: 2})
	defer tl.Close()

	n, err := tl.Read(make([]byte, 7))
	if err != nil || n != 4 {
		t.Errorf("Read(7): n=%d err=%v, want 4, nil", n, err)
	}
	if tl.Now() != time.Millisecond {
		t.Errorf("Now: got %v", tl.Now())
	}
}
