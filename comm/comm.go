/*Package comm provides connection helpers for networked lab hardware.

Daemons that front hardware, such as pigpiod on a Raspberry Pi, often come up
after the process that wants to talk to them, and some do not like being
connection thrashed.  Dial retries refused connections with an exponential
backoff and gives up early on anything that looks like a timeout.

	conn, err := comm.Dial("raspberrypi.local:8888", 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
*/
package comm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotConnected is generated when a connection is used before it is opened
	ErrNotConnected = errors.New("conn is nil, not connected to remote")
)

// DefaultBackOff returns the retry policy used by Dial
func DefaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// Dial opens a TCP connection to addr using DefaultBackOff
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return DialBackOff(addr, timeout, DefaultBackOff())
}

// DialBackOff opens a TCP connection to addr, retrying refused connections
// according to b.  Each attempt is limited to timeout.
func DialBackOff(addr string, timeout time.Duration, b backoff.BackOff) (net.Conn, error) {
	var conn net.Conn
	wasTimeout := false
	op := func() error {
		c, err := TCPSetup(addr, timeout)
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		conn = c
		return nil
	}

	b.Reset()
	err := backoff.Retry(op, b)
	if wasTimeout {
		return nil, fmt.Errorf("connection timeout to %s", addr)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TCPSetup opens a new TCP connection with a timeout on connect.
// Read and write deadlines are left to the caller, since the connection may be
// long-lived.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}
