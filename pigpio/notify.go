package pigpio

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/Daan4/vision-well-position-controller/comm"
)

// notification flags that mark a report as not being a level change
const (
	flagWatchdog uint16 = 1 << 5
	flagAlive    uint16 = 1 << 6
	flagEvent    uint16 = 1 << 7
)

// Notifier counts level changes (edges) on a set of GPIO using the daemon's
// notification stream.  Two edges make one step pulse.
type Notifier struct {
	c      *Client
	conn   net.Conn
	handle uint32
	watch  uint32

	mu     sync.Mutex
	last   uint32
	counts map[uint]uint64
	err    error

	done chan struct{}
}

// Notify opens a notification stream watching the given GPIO.  The stream uses
// its own connection to the daemon.
func (c *Client) Notify(gpios ...uint) (*Notifier, error) {
	var watch uint32
	counts := make(map[uint]uint64, len(gpios))
	for _, g := range gpios {
		watch |= Bit(g)
		counts[g] = 0
	}
	conn, err := comm.Dial(c.Addr, c.Timeout)
	if err != nil {
		return nil, err
	}
	u, err := roundTrip(conn, c.Timeout, cmdNOIB, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if int32(u) < 0 {
		conn.Close()
		return nil, Error(int32(u))
	}
	levels, err := c.ReadBank1()
	if err != nil {
		conn.Close()
		return nil, err
	}
	n := &Notifier{
		c:      c,
		conn:   conn,
		handle: u,
		watch:  watch,
		last:   levels,
		counts: counts,
		done:   make(chan struct{}),
	}
	if _, err = c.command(cmdNB, u, watch, nil); err != nil {
		conn.Close()
		return nil, err
	}
	go n.run()
	return n, nil
}

func (n *Notifier) run() {
	defer close(n.done)
	report := make([]byte, 12)
	for {
		if _, err := io.ReadFull(n.conn, report); err != nil {
			n.mu.Lock()
			n.err = err
			n.mu.Unlock()
			return
		}
		flags := binary.LittleEndian.Uint16(report[2:])
		if flags&(flagWatchdog|flagAlive|flagEvent) != 0 {
			continue
		}
		level := binary.LittleEndian.Uint32(report[8:])
		n.mu.Lock()
		changed := (level ^ n.last) & n.watch
		for g := range n.counts {
			if changed&Bit(g) != 0 {
				n.counts[g]++
			}
		}
		n.last = level
		n.mu.Unlock()
	}
}

// Edges returns the number of level changes seen on gpio since the last Reset
func (n *Notifier) Edges(gpio uint) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[gpio]
}

// Reset zeroes the edge count of gpio
func (n *Notifier) Reset(gpio uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.counts[gpio]; ok {
		n.counts[gpio] = 0
	}
}

// Err returns the error that ended the stream, if any
func (n *Notifier) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Close stops the stream and releases the handle
func (n *Notifier) Close() error {
	_, err := n.c.command(cmdNC, n.handle, 0, nil)
	n.conn.Close()
	<-n.done
	return err
}
