package frame

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSourceNotReady is generated when a frame is requested before the
	// source has produced anything
	ErrSourceNotReady = errors.New("frame source has not produced a frame yet")

	// ErrFrameTimeout is generated when no fresh frame arrives in time
	ErrFrameTimeout = errors.New("timed out waiting for a frame")

	// ErrRequestPending is generated when a second consumer requests a frame
	// while another request is outstanding
	ErrRequestPending = errors.New("a frame request is already pending")
)

// Channel is a single slot handoff between a Source and one consumer
type Channel struct {
	// Timeout bounds each Request, zero waits for the context only
	Timeout time.Duration

	mu        sync.Mutex
	published bool
	want      chan Frame
	armedAt   time.Time
	last      Frame
	dropped   uint64
}

// NewChannel returns a channel with a request timeout
func NewChannel(timeout time.Duration) *Channel {
	return &Channel{Timeout: timeout}
}

// Publish offers a frame.  It is delivered only if a request is pending and
// the frame was captured after the request was made, otherwise it is dropped.
// Frames without a capture time are stamped on arrival.  Publish never blocks
// the producer, and the producer may reuse the image afterwards.
func (c *Channel) Publish(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = true
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	if c.want == nil || f.Time.Before(c.armedAt) {
		c.dropped++
		return
	}
	c.want <- f.Clone() // capacity 1 and disarmed right after, never blocks
	c.want = nil
	c.last = f.Clone()
}

// Request arms the channel and blocks until a fresh frame is published,
// the timeout elapses, or ctx is done
func (c *Channel) Request(ctx context.Context) (Frame, error) {
	c.mu.Lock()
	if !c.published {
		c.mu.Unlock()
		return Frame{}, ErrSourceNotReady
	}
	if c.want != nil {
		c.mu.Unlock()
		return Frame{}, ErrRequestPending
	}
	ch := make(chan Frame, 1)
	c.want = ch
	c.armedAt = time.Now()
	c.mu.Unlock()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return c.disarm(ch, ctx.Err())
	case <-timeout:
		return c.disarm(ch, ErrFrameTimeout)
	}
}

// disarm withdraws a request, unless a frame was delivered in the meantime
func (c *Channel) disarm(ch chan Frame, err error) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.want == ch {
		c.want = nil
		return Frame{}, err
	}
	return <-ch, nil
}

// Last returns a copy of the most recently delivered frame, and false if no
// frame has been delivered yet
func (c *Channel) Last() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Image == nil {
		return Frame{}, false
	}
	return c.last.Clone(), true
}

// Dropped is the number of frames published while no request was pending
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
