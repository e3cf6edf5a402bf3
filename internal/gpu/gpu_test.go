package gpu

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/hdr-capture/internal/media"
)

// testSurface records what the render worker presents to it.
type testSurface struct {
	id   string
	kind media.SinkKind
	size media.Size

	mu       sync.Mutex
	pts      []time.Duration
	last     image.Image
	released bool
	presents chan struct{}
}

func newTestSurface(id string, kind media.SinkKind, w, h int) *testSurface {
	return &testSurface{
		id:       id,
		kind:     kind,
		size:     media.Size{Width: w, Height: h},
		presents: make(chan struct{}, 1024),
	}
}

func (s *testSurface) ID() string           { return s.id }
func (s *testSurface) Kind() media.SinkKind { return s.kind }
func (s *testSurface) Size() media.Size     { return s.size }

func (s *testSurface) Present(img image.Image, pts time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return media.ErrSurfaceReleased
	}
	cp := image.NewRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			cp.Set(x, y, img.At(x, y))
		}
	}
	s.last = cp
	s.pts = append(s.pts, pts)
	select {
	case s.presents <- struct{}{}:
	default:
	}
	return nil
}

func (s *testSurface) release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *testSurface) timestamps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.pts...)
}

func solidFrame(seq uint64, w, h int, c color.Color) *media.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return &media.Frame{Seq: seq, Timestamp: time.Now(), Image: img}
}

func acquired(t *testing.T) *Context {
	t.Helper()
	gl := NewContext(t.Name())
	if err := gl.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(gl.Teardown)
	return gl
}

func TestContext_Lifecycle(t *testing.T) {
	gl := NewContext("lifecycle")

	err := gl.Do(context.Background(), func(*Current) error { return nil })
	if !errors.Is(err, media.ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared before Acquire, got %v", err)
	}

	if err := gl.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := gl.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire must be idempotent, got %v", err)
	}

	ran := false
	if err := gl.Do(context.Background(), func(*Current) error { ran = true; return nil }); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !ran {
		t.Fatal("job did not run")
	}

	gl.Teardown()
	gl.Teardown() // idempotent

	err = gl.Do(context.Background(), func(*Current) error { return nil })
	if !errors.Is(err, media.ErrClosed) {
		t.Errorf("expected ErrClosed after Teardown, got %v", err)
	}
	if err := gl.Acquire(context.Background()); !errors.Is(err, media.ErrClosed) {
		t.Errorf("expected ErrClosed on Acquire after Teardown, got %v", err)
	}
}

func TestContext_TeardownWithoutAcquire(t *testing.T) {
	gl := NewContext("never-acquired")
	gl.Teardown()

	if err := gl.Do(context.Background(), func(*Current) error { return nil }); !errors.Is(err, media.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestContext_SerializesWork(t *testing.T) {
	gl := acquired(t)

	// Unsynchronized counter: only safe because every job runs on the worker.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = gl.Do(context.Background(), func(*Current) error {
					counter++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if counter != 800 {
		t.Errorf("expected 800 serialized increments, got %d", counter)
	}
	t.Logf("✅ 800 jobs from 8 goroutines serialized on one worker")
}

func TestContext_DoCancelledBeforeAccept(t *testing.T) {
	gl := acquired(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := gl.Do(ctx, func(*Current) error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Error("job ran despite cancelled context")
	}

	// Shielded work still runs.
	err = gl.Do(context.WithoutCancel(ctx), func(*Current) error { ran = true; return nil })
	if err != nil || !ran {
		t.Errorf("shielded job did not run: err=%v ran=%v", err, ran)
	}
}

func TestContext_TeardownReleasesEverything(t *testing.T) {
	gl := NewContext("teardown")
	if err := gl.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := gl.Do(context.Background(), func(cur *Current) error {
		for i := 0; i < 3; i++ {
			if _, err := cur.NewTexture(media.Size{Width: 8, Height: 8}, media.SDR); err != nil {
				return err
			}
		}
		_, err := cur.NewRenderTarget(newTestSurface("s", media.SinkPreview, 8, 8), media.HLG10)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if s := gl.Stats(); s.LiveTextures != 3 || s.LiveTargets != 1 {
		t.Fatalf("expected 3 textures and 1 target, got %+v", s)
	}

	gl.Teardown()

	if s := gl.Stats(); s.LiveTextures != 0 || s.LiveTargets != 0 {
		t.Errorf("expected no live resources after teardown, got %+v", s)
	}
}

func TestBridge_LatestWins(t *testing.T) {
	b := NewBridge("sink")
	if err := b.Configure(media.Size{Width: 4, Height: 4}); err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		b.Offer(solidFrame(seq, 4, 4, color.White))
	}

	// Ready is conflated: exactly one pending notification.
	select {
	case <-b.Ready():
	default:
		t.Fatal("expected a ready notification")
	}
	select {
	case <-b.Ready():
		t.Fatal("expected ready notifications to be conflated")
	default:
	}

	frame := b.take()
	if frame == nil || frame.Seq != 5 {
		t.Fatalf("expected latest frame seq=5, got %+v", frame)
	}
	if b.take() != nil {
		t.Error("slot must be empty after take")
	}

	stats := b.Stats()
	if stats.TotalDrops != 4 || stats.Latched != 1 || stats.ConsecutiveDrops != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	t.Logf("✅ 5 offers → 1 latch (seq=5), 4 drops")
}

func TestBridge_UnconfiguredAndReleasedDrop(t *testing.T) {
	b := NewBridge("sink")
	b.Offer(solidFrame(1, 2, 2, color.White))
	if b.take() != nil {
		t.Error("unconfigured bridge accepted a frame")
	}

	if err := b.Configure(media.Size{}); err == nil {
		t.Error("expected error for zero size")
	}
	if err := b.Configure(media.Size{Width: 2, Height: 2}); err != nil {
		t.Fatal(err)
	}

	b.Release()
	b.Release()
	b.Offer(solidFrame(2, 2, 2, color.White))
	if b.take() != nil {
		t.Error("released bridge accepted a frame")
	}
	if !b.Released() {
		t.Error("expected Released() = true")
	}
}

func TestLatch_NoFrameReady(t *testing.T) {
	gl := acquired(t)
	b := NewBridge("sink")
	_ = b.Configure(media.Size{Width: 2, Height: 2})

	err := gl.Do(context.Background(), func(cur *Current) error {
		tex, err := cur.NewTexture(media.Size{Width: 2, Height: 2}, media.SDR)
		if err != nil {
			return err
		}
		return cur.Latch(b, tex)
	})
	if !errors.Is(err, media.ErrNoFrameReady) {
		t.Errorf("expected ErrNoFrameReady, got %v", err)
	}
}

func TestTransform_Matrix(t *testing.T) {
	size := media.Size{Width: 4, Height: 4}

	identity := Rotation(0).Matrix(size, size)
	want := [6]float64{1, 0, 0, 0, 1, 0}
	for i := range want {
		if identity[i] != want[i] {
			t.Fatalf("0° not identity: %v", identity)
		}
	}

	// 90° CCW in y-up NDC: source top-left corner lands bottom-left.
	m := Rotation(90).Matrix(size, size)
	x, y := 0.0, 0.0
	dx := m[0]*x + m[1]*y + m[2]
	dy := m[3]*x + m[4]*y + m[5]
	if dx != 0 || dy != 4 {
		t.Errorf("expected (0,0) → (0,4), got (%v,%v)", dx, dy)
	}
}

func TestCompositor_Rotate90(t *testing.T) {
	gl := acquired(t)
	sink := newTestSurface("rot", media.SinkPreview, 4, 4)

	binding, err := gl.Bind(context.Background(), sink, media.SDR)
	if err != nil {
		t.Fatal(err)
	}
	defer binding.Release(context.Background())

	// Source: black with a red top-left pixel.
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 0xff
	}
	src.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})
	binding.Bridge().Offer(&media.Frame{Seq: 1, Image: src})

	comp := NewCompositor("rot", FilterNearest)
	err = gl.Do(context.Background(), func(cur *Current) error {
		if err := comp.PrepareShader(cur); err != nil {
			return err
		}
		if err := cur.MakeCurrent(binding.Target()); err != nil {
			return err
		}
		if err := cur.Latch(binding.Bridge(), binding.Texture()); err != nil {
			return err
		}
		if err := cur.Clear(); err != nil {
			return err
		}
		if err := comp.Render(cur, binding, Rotation(90)); err != nil {
			return err
		}
		return cur.SwapBuffers()
	})
	if err != nil {
		t.Fatal(err)
	}

	r, g, b, _ := sink.last.At(0, 3).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 {
		t.Errorf("expected red at (0,3) after 90° rotation, got r=%d g=%d b=%d", r>>8, g>>8, b>>8)
	}
	if r, _, _, _ := sink.last.At(0, 0).RGBA(); r != 0 {
		t.Errorf("expected (0,0) black after rotation, got r=%d", r>>8)
	}

	t.Logf("✅ 90° rotation: src (0,0) → dst (0,3)")
}

func TestCompositor_ShaderCompile(t *testing.T) {
	gl := acquired(t)

	err := gl.Do(context.Background(), func(cur *Current) error {
		return NewCompositor("bad", "sinc-lanczos-9").PrepareShader(cur)
	})
	if !errors.Is(err, media.ErrShaderCompile) {
		t.Errorf("expected ErrShaderCompile, got %v", err)
	}

	err = gl.Do(context.Background(), func(cur *Current) error {
		c := NewCompositor("good", "")
		if err := c.PrepareShader(cur); err != nil {
			return err
		}
		return c.PrepareShader(cur) // once per context lifetime
	})
	if err != nil {
		t.Errorf("expected default filter to compile, got %v", err)
	}
}

func TestRenderLoop_CancelReleasesBindingOnce(t *testing.T) {
	gl := acquired(t)

	for i := 0; i < 10; i++ {
		sink := newTestSurface("cycle", media.SinkRecord, 8, 8)
		binding, err := gl.Bind(context.Background(), sink, media.HLG10)
		if err != nil {
			t.Fatal(err)
		}
		loop, err := NewRenderLoop(RenderLoopConfig{
			Context:    gl,
			Binding:    binding,
			Compositor: NewCompositor("record", FilterNearest),
			Transform:  Rotation(90),
			Clock:      NewPresentationClock(),
		})
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- loop.Run(ctx) }()

		binding.Bridge().Offer(solidFrame(1, 8, 8, color.White))
		select {
		case <-sink.presents:
		case <-time.After(2 * time.Second):
			t.Fatal("no frame presented")
		}

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("cancellation must be a normal exit, got %v", err)
		}
		if !binding.Released() {
			t.Fatal("binding not released after cancel")
		}
		binding.Release(context.Background()) // second release is a no-op
	}

	stats := gl.Stats()
	if stats.LiveBindings != 0 || stats.LiveTextures != 0 || stats.LiveTargets != 0 {
		t.Errorf("resources leaked after 10 cycles: %+v", stats)
	}
	t.Logf("✅ 10 run/cancel cycles: live bindings=%d textures=%d targets=%d",
		stats.LiveBindings, stats.LiveTextures, stats.LiveTargets)
}

func TestRenderLoop_PresentationTimestamps(t *testing.T) {
	gl := acquired(t)

	run := func(kind media.SinkKind, clock Clock) []time.Duration {
		sink := newTestSurface(kind.String(), kind, 8, 8)
		binding, err := gl.Bind(context.Background(), sink, media.SDR)
		if err != nil {
			t.Fatal(err)
		}

		const want = 5
		presented := 0
		loop, _ := NewRenderLoop(RenderLoopConfig{
			Context:    gl,
			Binding:    binding,
			Compositor: NewCompositor(kind.String(), FilterNearest),
			Clock:      clock,
			Continue: func() bool {
				presented++
				return presented < want
			},
		})

		done := make(chan error, 1)
		go func() { done <- loop.Run(context.Background()) }()

		for seq := uint64(1); ; seq++ {
			binding.Bridge().Offer(solidFrame(seq, 8, 8, color.White))
			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
				return sink.timestamps()
			case <-time.After(2 * time.Millisecond):
			}
		}
	}

	preview := run(media.SinkPreview, ZeroClock{})
	for _, pts := range preview {
		if pts != 0 {
			t.Errorf("preview pts must be zero, got %v", pts)
		}
	}

	record := run(media.SinkRecord, NewPresentationClock())
	for i := 1; i < len(record); i++ {
		if record[i] <= record[i-1] {
			t.Errorf("record pts not strictly increasing: %v", record)
			break
		}
	}

	t.Logf("✅ preview pts=%v, record pts increasing over %d frames", preview, len(record))
}

func TestRenderLoop_SurfaceReleasedEndsLoop(t *testing.T) {
	gl := acquired(t)
	sink := newTestSurface("gone", media.SinkPreview, 4, 4)
	binding, _ := gl.Bind(context.Background(), sink, media.SDR)

	loop, _ := NewRenderLoop(RenderLoopConfig{
		Context:    gl,
		Binding:    binding,
		Compositor: NewCompositor("gone", FilterNearest),
	})

	sink.release()
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	binding.Bridge().Offer(solidFrame(1, 4, 4, color.White))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("released surface must end the loop normally, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end after surface release")
	}
	if gl.LiveBindings() != 0 {
		t.Errorf("expected binding released, live=%d", gl.LiveBindings())
	}
}

func TestPresentationClock_Monotonic(t *testing.T) {
	c := NewPresentationClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now <= prev {
			t.Fatalf("clock went backwards or stalled: %v → %v", prev, now)
		}
		prev = now
	}
}
