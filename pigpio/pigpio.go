/*Package pigpio is a client for the pigpio daemon (pigpiod) socket interface.

pigpiod drives the Raspberry Pi GPIO, including DMA-timed waveforms, and is
reachable over TCP (port 8888 by default).  Every command is a 16 byte little
endian message

	uint32 cmd | uint32 p1 | uint32 p2 | uint32 p3

followed by p3 bytes of extension data.  The daemon replies with 16 bytes in
the same layout, where the final word is the signed result.  Negative results
are errors, see Error.

Only the subset of commands needed to generate step pulse trains and tally
them is implemented.
*/
package pigpio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Daan4/vision-well-position-controller/comm"
)

// DefaultAddr is the address of a pigpio daemon running on the local machine
const DefaultAddr = "localhost:8888"

// command codes
const (
	cmdMODES uint32 = 0
	cmdREAD  uint32 = 3
	cmdWRITE uint32 = 4
	cmdBR1   uint32 = 10
	cmdNB    uint32 = 19
	cmdNC    uint32 = 21
	cmdWVCLR uint32 = 27
	cmdWVAG  uint32 = 28
	cmdWVBSY uint32 = 32
	cmdWVHLT uint32 = 33
	cmdWVCRE uint32 = 49
	cmdWVCHA uint32 = 93
	cmdNOIB  uint32 = 99
)

// Mode is a GPIO mode
type Mode uint32

const (
	// Input configures a GPIO as an input
	Input Mode = 0

	// Output configures a GPIO as an output
	Output Mode = 1
)

// MaxUserGPIO is the highest GPIO number on the 40 pin header usable for general IO
const MaxUserGPIO = 27

// Client is a connection to a pigpio daemon.  It is safe for concurrent use;
// commands are serialized on the single command socket.
type Client struct {
	// Addr is the host:port of the daemon
	Addr string

	// Timeout is applied to connecting and to each command round trip
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a client for the daemon at addr.  It does not connect.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{Addr: addr, Timeout: 3 * time.Second}
}

// Open connects to the daemon
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := comm.Dial(c.Addr, c.Timeout)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Close disconnects from the daemon
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// encode packs a command and its extension
func encode(cmd, p1, p2 uint32, ext []byte) []byte {
	buf := make([]byte, 16+len(ext))
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], p1)
	binary.LittleEndian.PutUint32(buf[8:], p2)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(ext)))
	copy(buf[16:], ext)
	return buf
}

// roundTrip sends one command on conn and returns the raw result word
func roundTrip(conn net.Conn, timeout time.Duration, cmd, p1, p2 uint32, ext []byte) (uint32, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write(encode(cmd, p1, p2, ext)); err != nil {
		return 0, err
	}
	resp := make([]byte, 16)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, err
	}
	if echo := binary.LittleEndian.Uint32(resp[0:]); echo != cmd {
		return 0, fmt.Errorf("pigpio: response for command %d received for command %d", echo, cmd)
	}
	return binary.LittleEndian.Uint32(resp[12:]), nil
}

// raw issues a command and returns the unsigned result without error decoding
func (c *Client) raw(cmd, p1, p2 uint32, ext []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, comm.ErrNotConnected
	}
	return roundTrip(c.conn, c.Timeout, cmd, p1, p2, ext)
}

// command issues a command and converts negative results to Error
func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (int, error) {
	u, err := c.raw(cmd, p1, p2, ext)
	if err != nil {
		return 0, err
	}
	res := int32(u)
	if res < 0 {
		return int(res), Error(res)
	}
	return int(res), nil
}

// SetMode sets the mode of a GPIO
func (c *Client) SetMode(gpio uint, mode Mode) error {
	_, err := c.command(cmdMODES, uint32(gpio), uint32(mode), nil)
	return err
}

// Write sets the level of a GPIO, high if level is true
func (c *Client) Write(gpio uint, level bool) error {
	var l uint32
	if level {
		l = 1
	}
	_, err := c.command(cmdWRITE, uint32(gpio), l, nil)
	return err
}

// Read returns the level of a GPIO
func (c *Client) Read(gpio uint) (bool, error) {
	res, err := c.command(cmdREAD, uint32(gpio), 0, nil)
	return res == 1, err
}

// ReadBank1 returns the levels of GPIO 0-31 as a bitmask
func (c *Client) ReadBank1() (uint32, error) {
	return c.raw(cmdBR1, 0, 0, nil)
}
