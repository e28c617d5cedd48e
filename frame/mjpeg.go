package frame

import (
	"bufio"
	"bytes"
	"errors"
	"image/jpeg"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds the size of one JPEG in the stream
const maxFrameBytes = 16 << 20

// splitJPEG is a bufio.SplitFunc yielding one JPEG (SOI through EOI) per token
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF, it may begin the next SOI
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// MJPEG reads a motion JPEG stream, either from the standard output of a
// camera process such as
//
//	libcamera-vid -t 0 --codec mjpeg --width 640 --height 480 --framerate 30 -o -
//
// or from any reader.
type MJPEG struct {
	// Command is the camera process to launch, used when Reader is nil
	Command []string

	// Reader is the stream to read
	Reader io.ReadCloser

	// FPS caps the published frame rate, zero publishes every frame
	FPS float64

	mu   sync.Mutex
	cmd  *exec.Cmd
	rc   io.ReadCloser
	done chan struct{}
	seq  uint64
}

// Start launches the camera, if needed, and begins publishing frames
func (m *MJPEG) Start(publish func(Frame)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}
	rc := m.Reader
	if rc == nil {
		if len(m.Command) == 0 {
			return errors.New("mjpeg source has neither a reader nor a command")
		}
		cmd := exec.Command(m.Command[0], m.Command[1:]...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err = cmd.Start(); err != nil {
			return err
		}
		m.cmd = cmd
		rc = out
	}
	m.rc = rc
	m.done = make(chan struct{})
	lim := rate.NewLimiter(rate.Inf, 1)
	if m.FPS > 0 {
		lim = rate.NewLimiter(rate.Limit(m.FPS), 1)
	}
	go m.run(rc, lim, publish)
	return nil
}

func (m *MJPEG) run(r io.Reader, lim *rate.Limiter, publish func(Frame)) {
	defer close(m.done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	sc.Split(splitJPEG)
	for sc.Scan() {
		t := time.Now()
		if !lim.Allow() {
			continue
		}
		img, err := jpeg.Decode(bytes.NewReader(sc.Bytes()))
		if err != nil {
			log.Println("mjpeg: dropping undecodable frame:", err)
			continue
		}
		m.seq++
		publish(Frame{Image: img, Seq: m.seq, Time: t})
	}
	if err := sc.Err(); err != nil {
		log.Println("mjpeg: stream ended:", err)
	}
}

// Stop closes the stream and ends the camera process
func (m *MJPEG) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil
	}
	var err error
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
	if m.rc != nil {
		err = m.rc.Close()
	}
	<-m.done
	if m.cmd != nil {
		m.cmd.Wait()
		m.cmd = nil
	}
	m.done = nil
	return err
}
