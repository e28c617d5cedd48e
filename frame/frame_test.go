package frame_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Daan4/vision-well-position-controller/frame"
	"github.com/Daan4/vision-well-position-controller/mathx"
)

func grayFrame(seq uint64, t time.Time) frame.Frame {
	return frame.Frame{Image: image.NewGray(image.Rect(0, 0, 4, 4)), Seq: seq, Time: t}
}

func TestRequestBeforeAnyFrame(t *testing.T) {
	c := frame.NewChannel(time.Second)
	if _, err := c.Request(context.Background()); err != frame.ErrSourceNotReady {
		t.Errorf("expected ErrSourceNotReady, got %v", err)
	}
}

func TestFrameWhileNotArmedIsDropped(t *testing.T) {
	c := frame.NewChannel(30 * time.Millisecond)
	c.Publish(grayFrame(1, time.Now()))
	if _, err := c.Request(context.Background()); err != frame.ErrFrameTimeout {
		t.Errorf("expected a dropped frame not to satisfy a later request, got %v", err)
	}
	if d := c.Dropped(); d != 1 {
		t.Errorf("expected 1 dropped frame, got %d", d)
	}
}

func TestOnlyFreshFramesAreDelivered(t *testing.T) {
	c := frame.NewChannel(time.Second)
	c.Publish(grayFrame(1, time.Now()))

	got := make(chan frame.Frame, 1)
	go func() {
		f, err := c.Request(context.Background())
		if err != nil {
			t.Error(err)
		}
		got <- f
	}()
	time.Sleep(10 * time.Millisecond)
	// captured before the request, e.g. while the stage was still moving
	c.Publish(grayFrame(2, time.Now().Add(-time.Second)))
	c.Publish(grayFrame(3, time.Now()))
	f := <-got
	if f.Seq != 3 {
		t.Errorf("expected frame 3, got %d", f.Seq)
	}
}

func TestDeliveredFrameIsACopy(t *testing.T) {
	c := frame.NewChannel(time.Second)
	c.Publish(grayFrame(0, time.Now()))
	src := grayFrame(1, time.Time{})
	var wg sync.WaitGroup
	wg.Add(1)
	var f frame.Frame
	go func() {
		defer wg.Done()
		var err error
		f, err = c.Request(context.Background())
		if err != nil {
			t.Error(err)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	c.Publish(src)
	wg.Wait()
	src.Image.(*image.Gray).SetGray(0, 0, color.Gray{Y: 255})
	if v := f.Gray().GrayAt(0, 0).Y; v != 0 {
		t.Errorf("expected the delivered frame not to alias the producer's buffer, got %d", v)
	}
	last, ok := c.Last()
	if !ok || last.Seq != 1 {
		t.Errorf("expected Last to hold frame 1, got %v %v", last.Seq, ok)
	}
}

func TestRequestCancelled(t *testing.T) {
	c := frame.NewChannel(0)
	c.Publish(grayFrame(1, time.Now()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Request(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	// the slot is free again
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := c.Request(ctx2); err == frame.ErrRequestPending {
		t.Error("expected a cancelled request to disarm the channel")
	}
}

func TestSecondRequestRejected(t *testing.T) {
	c := frame.NewChannel(100 * time.Millisecond)
	c.Publish(grayFrame(1, time.Now()))
	go c.Request(context.Background())
	time.Sleep(10 * time.Millisecond)
	if _, err := c.Request(context.Background()); err != frame.ErrRequestPending {
		t.Errorf("expected ErrRequestPending, got %v", err)
	}
}

func TestGrayConversion(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 3, 2))
	rgba.Set(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	g := frame.Frame{Image: rgba}.Gray()
	if g.Bounds() != rgba.Bounds() {
		t.Errorf("expected bounds %v, got %v", rgba.Bounds(), g.Bounds())
	}
	if g.GrayAt(1, 1).Y < 250 || g.GrayAt(0, 0).Y != 0 {
		t.Errorf("unexpected gray levels %d %d", g.GrayAt(1, 1).Y, g.GrayAt(0, 0).Y)
	}
}

func centroid(img *image.Gray, threshold uint8) mathx.Vec2 {
	var sx, sy, n float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y > threshold {
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
	}
	return mathx.Vec2{X: sx / n, Y: sy / n}
}

func TestSyntheticRendersNearestWell(t *testing.T) {
	s := &frame.Synthetic{
		Width: 320, Height: 240, MMPerPixel: 0.0254,
		Center: mathx.Vec2{X: 160, Y: 120}, Radius: 30,
		Wells: []mathx.Vec2{{X: 0.254, Y: 0}, {X: 9, Y: 0}},
	}
	img := s.Render(mathx.Vec2{})
	c := centroid(img, 100)
	if math.Abs(c.X-170) > 0.5 || math.Abs(c.Y-120) > 0.5 {
		t.Errorf("expected the well 10 px right of center, at (170, 120), got %v", c)
	}
	img = s.Render(mathx.Vec2{X: 9.1})
	c = centroid(img, 100)
	if math.Abs(c.X-(160-0.1/0.0254)) > 0.5 {
		t.Errorf("expected the second well left of center, got %v", c)
	}
}

func TestSyntheticPublishes(t *testing.T) {
	s := &frame.Synthetic{Width: 64, Height: 48, FPS: 200, MMPerPixel: 0.0254, Radius: 5}
	c := frame.NewChannel(time.Second)
	if err := s.Start(c.Publish); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	deadline := time.Now().Add(time.Second)
	var f frame.Frame
	var err error
	for time.Now().Before(deadline) {
		f, err = c.Request(context.Background())
		if err != frame.ErrSourceNotReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	if f.Image.Bounds().Dx() != 64 || f.Seq == 0 {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestMJPEGSplitsStream(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("junk")
	for i := 0; i < 3; i++ {
		img := image.NewGray(image.Rect(0, 0, 16, 8))
		img.SetGray(i, 0, color.Gray{Y: 255})
		if err := jpeg.Encode(&stream, img, nil); err != nil {
			t.Fatal(err)
		}
	}
	src := &frame.MJPEG{Reader: io.NopCloser(&stream)}
	var (
		mu     sync.Mutex
		frames []frame.Frame
	)
	done := make(chan struct{})
	err := src.Start(func(f frame.Frame) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		if len(frames) == 3 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected three frames from the stream")
	}
	src.Stop()
	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		if f.Image.Bounds().Dx() != 16 || f.Seq != uint64(i+1) {
			t.Errorf("frame %d: unexpected %v seq %d", i, f.Image.Bounds(), f.Seq)
		}
	}
}

func TestOrientationRotatesClockwise(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.SetGray(0, 0, color.Gray{Y: 255})
	out, ok := frame.Orientation{Rotate: 90}.Apply(img).(*image.Gray)
	if !ok {
		t.Fatal("expected a gray image back")
	}
	if out.Bounds().Dx() != 2 || out.Bounds().Dy() != 3 {
		t.Fatalf("expected a 2x3 image, got %v", out.Bounds())
	}
	if out.GrayAt(1, 0).Y != 255 {
		t.Error("expected the top left pixel to move to the top right")
	}
	if err := (frame.Orientation{Rotate: 45}).Validate(); err == nil {
		t.Error("expected 45 degrees to be rejected")
	}
}
