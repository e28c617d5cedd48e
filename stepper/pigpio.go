package stepper

import (
	"errors"
	"sync"

	"github.com/Daan4/vision-well-position-controller/pigpio"
)

// ErrWaveInUse is generated when a pulse train is requested while another
// axis' train is still being transmitted.  pigpiod has a single wave
// generator, so axes sharing a daemon must move one after the other.
var ErrWaveInUse = errors.New("pigpio wave generator is busy with another axis")

type waveKey struct {
	pin  uint
	half uint32
}

// PigpioPulser is a Pulser backed by the pigpio daemon.  Each distinct pulse
// frequency becomes one waveform holding a single on/off pair, and a move is
// transmitted as a wave chain that loops those waveforms.
type PigpioPulser struct {
	c *pigpio.Client
	n *pigpio.Notifier

	mu      sync.Mutex
	waves   map[waveKey]int
	active  uint
	sending bool
}

// NewPigpioPulser returns a Pulser on an open client, tallying edges on the
// given step pins
func NewPigpioPulser(c *pigpio.Client, stepPins ...uint) (*PigpioPulser, error) {
	if err := c.WaveClear(); err != nil {
		return nil, err
	}
	n, err := c.Notify(stepPins...)
	if err != nil {
		return nil, err
	}
	return &PigpioPulser{c: c, n: n, waves: map[waveKey]int{}}, nil
}

// Close stops the edge tally and deletes all waveforms
func (p *PigpioPulser) Close() error {
	err := p.n.Close()
	if err2 := p.c.WaveClear(); err == nil {
		err = err2
	}
	return err
}

// SetOutput configures a GPIO as an output
func (p *PigpioPulser) SetOutput(pin uint) error {
	return p.c.SetMode(pin, pigpio.Output)
}

// Write sets the level of a GPIO
func (p *PigpioPulser) Write(pin uint, high bool) error {
	return p.c.Write(pin, high)
}

// wave returns the id of the single-pulse waveform for pin at a half period,
// creating it if needed.  p.mu must be held.
func (p *PigpioPulser) wave(pin uint, l Level) (int, error) {
	half := uint32(l.HalfPeriod().Microseconds())
	key := waveKey{pin, half}
	if id, ok := p.waves[key]; ok {
		return id, nil
	}
	pulses := []pigpio.Pulse{
		{On: pigpio.Bit(pin), Delay: half},
		{Off: pigpio.Bit(pin), Delay: half},
	}
	if _, err := p.c.WaveAddGeneric(pulses); err != nil {
		return 0, err
	}
	id, err := p.c.WaveCreate()
	if err != nil {
		return 0, err
	}
	p.waves[key] = id
	return id, nil
}

// Transmit emits levels on pin as a wave chain
func (p *PigpioPulser) Transmit(pin uint, levels []Level, repeatLast bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sending {
		busy, err := p.c.WaveBusy()
		if err != nil {
			return err
		}
		if busy && p.active != pin {
			return ErrWaveInUse
		}
		if busy {
			if err = p.c.WaveHalt(); err != nil {
				return err
			}
		}
		p.sending = false
	}
	chain, err := p.chain(pin, levels, repeatLast)
	var perr pigpio.Error
	if errors.As(err, &perr) && perr <= -67 && perr >= -70 {
		// out of waveform resources, start over with an empty set
		if err = p.c.WaveClear(); err != nil {
			return err
		}
		p.waves = map[waveKey]int{}
		chain, err = p.chain(pin, levels, repeatLast)
	}
	if err != nil {
		return err
	}
	return p.send(pin, chain)
}

// chain builds the wave chain for levels.  p.mu must be held.
func (p *PigpioPulser) chain(pin uint, levels []Level, repeatLast bool) (*pigpio.Chain, error) {
	var chain pigpio.Chain
	for i, l := range levels {
		id, err := p.wave(pin, l)
		if err != nil {
			return nil, err
		}
		if repeatLast && i == len(levels)-1 {
			chain.Forever(id)
		} else {
			chain.Repeat(id, l.Steps)
		}
	}
	return &chain, nil
}

func (p *PigpioPulser) send(pin uint, chain *pigpio.Chain) error {
	b, err := chain.Bytes()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if err = p.c.WaveChain(b); err != nil {
		return err
	}
	p.active = pin
	p.sending = true
	return nil
}

// Busy is true while a chain on pin is being transmitted
func (p *PigpioPulser) Busy(pin uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sending || p.active != pin {
		return false, nil
	}
	busy, err := p.c.WaveBusy()
	if err != nil {
		return false, err
	}
	if !busy {
		p.sending = false
	}
	return busy, nil
}

// Halt stops the chain on pin, if it is the one being transmitted
func (p *PigpioPulser) Halt(pin uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sending || p.active != pin {
		return nil
	}
	p.sending = false
	return p.c.WaveHalt()
}

// Edges returns the edge tally of pin
func (p *PigpioPulser) Edges(pin uint) (uint64, error) {
	if err := p.n.Err(); err != nil {
		return p.n.Edges(pin), err
	}
	return p.n.Edges(pin), nil
}

// ResetEdges zeroes the edge tally of pin
func (p *PigpioPulser) ResetEdges(pin uint) error {
	p.n.Reset(pin)
	return p.n.Err()
}
