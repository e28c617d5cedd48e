package pigpio

import (
	"encoding/binary"
	"errors"
)

// MaxChainBytes is the largest wave chain the daemon accepts
const MaxChainBytes = 600

var (
	// ErrChainTooLong is generated when a chain exceeds MaxChainBytes
	ErrChainTooLong = errors.New("pigpio: wave chain exceeds 600 bytes")

	// ErrBadWaveID is generated when a wave id cannot be encoded in a chain
	ErrBadWaveID = errors.New("pigpio: wave id does not fit in a chain byte")
)

// Pulse is one element of a generic waveform.  The GPIO in the On mask are
// switched high and those in Off low, then the daemon waits Delay
// microseconds before the next pulse.
type Pulse struct {
	On    uint32
	Off   uint32
	Delay uint32
}

// Bit returns the mask for a single GPIO
func Bit(gpio uint) uint32 {
	return 1 << gpio
}

// WaveClear deletes all waveforms
func (c *Client) WaveClear() error {
	_, err := c.command(cmdWVCLR, 0, 0, nil)
	return err
}

// WaveAddGeneric appends pulses to the waveform being built, returning the
// total number of pulses in it
func (c *Client) WaveAddGeneric(pulses []Pulse) (int, error) {
	ext := make([]byte, 12*len(pulses))
	for i, p := range pulses {
		binary.LittleEndian.PutUint32(ext[12*i:], p.On)
		binary.LittleEndian.PutUint32(ext[12*i+4:], p.Off)
		binary.LittleEndian.PutUint32(ext[12*i+8:], p.Delay)
	}
	return c.command(cmdWVAG, 0, 0, ext)
}

// WaveCreate turns the pulses added so far into a waveform and returns its id
func (c *Client) WaveCreate() (int, error) {
	return c.command(cmdWVCRE, 0, 0, nil)
}

// WaveChain transmits a chain of waveforms.  It returns immediately; use
// WaveBusy to learn when the chain has finished.
func (c *Client) WaveChain(chain []byte) error {
	if len(chain) > MaxChainBytes {
		return ErrChainTooLong
	}
	_, err := c.command(cmdWVCHA, 0, 0, chain)
	return err
}

// WaveBusy is true while a waveform is being transmitted
func (c *Client) WaveBusy() (bool, error) {
	res, err := c.command(cmdWVBSY, 0, 0, nil)
	return res == 1, err
}

// WaveHalt stops the current waveform or chain
func (c *Client) WaveHalt() error {
	_, err := c.command(cmdWVHLT, 0, 0, nil)
	return err
}

// Chain builds the byte program consumed by WaveChain
type Chain struct {
	buf []byte
	err error
}

func (ch *Chain) id(id int) byte {
	if id < 0 || id > 250 {
		ch.err = ErrBadWaveID
		return 0
	}
	return byte(id)
}

// Wave appends a single transmission of a waveform
func (ch *Chain) Wave(id int) *Chain {
	ch.buf = append(ch.buf, ch.id(id))
	return ch
}

// Repeat appends n transmissions of a waveform.  Counts above the 16 bit loop
// counter are split over several loops.
func (ch *Chain) Repeat(id, n int) *Chain {
	for n > 0 {
		k := n
		if k > 0xFFFF {
			k = 0xFFFF
		}
		switch k {
		case 1:
			ch.Wave(id)
		default:
			ch.buf = append(ch.buf, 255, 0, ch.id(id), 255, 1, byte(k&0xFF), byte(k>>8))
		}
		n -= k
	}
	return ch
}

// Forever appends an endless repetition of a waveform.  Nothing appended after
// it will be transmitted.
func (ch *Chain) Forever(id int) *Chain {
	ch.buf = append(ch.buf, 255, 0, ch.id(id), 255, 3)
	return ch
}

// Bytes returns the chain program
func (ch *Chain) Bytes() ([]byte, error) {
	if ch.err != nil {
		return nil, ch.err
	}
	if len(ch.buf) > MaxChainBytes {
		return nil, ErrChainTooLong
	}
	return ch.buf, nil
}
