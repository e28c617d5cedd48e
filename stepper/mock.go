package stepper

import (
	"math"
	"sync"
	"time"
)

// MockEvent is one call recorded by MockPulser
type MockEvent struct {
	Op    string // "write", "transmit" or "halt"
	Pin   uint
	High  bool
	Steps int
}

type transmission struct {
	levels  []Level
	forever bool
	start   time.Time
}

// MockPulser simulates pulse generation in (scaled) wall time.  Unlike
// pigpiod it can run any number of pins at once.
type MockPulser struct {
	// Speedup divides the simulated duration of pulse trains.  1 is real time.
	Speedup float64

	// FailTransmit, if not nil, is returned by every Transmit
	FailTransmit error

	// FailPins makes SetOutput fail for the listed pins
	FailPins map[uint]error

	mu      sync.Mutex
	levels  map[uint]bool
	outputs map[uint]bool
	edges   map[uint]uint64
	tx      map[uint]*transmission
	events  []MockEvent
}

// NewMockPulser returns a simulator running speedup times faster than real time
func NewMockPulser(speedup float64) *MockPulser {
	if speedup <= 0 {
		speedup = 1
	}
	return &MockPulser{
		Speedup: speedup,
		levels:  map[uint]bool{},
		outputs: map[uint]bool{},
		edges:   map[uint]uint64{},
		tx:      map[uint]*transmission{},
	}
}

// stepsDone is the number of pulses of t emitted after elapsed, and whether
// the transmission has finished
func (m *MockPulser) stepsDone(t *transmission, elapsed time.Duration) (int, bool) {
	el := float64(elapsed) * m.Speedup
	done := 0
	for i, l := range t.levels {
		period := float64(2 * l.HalfPeriod())
		if period <= 0 {
			continue
		}
		if t.forever && i == len(t.levels)-1 {
			return done + int(math.Floor(el/period)), false
		}
		dur := period * float64(l.Steps)
		if el < dur {
			return done + int(math.Floor(el/period)), false
		}
		done += l.Steps
		el -= dur
	}
	return done, true
}

// settle folds a finished transmission into the tally.  m.mu must be held.
func (m *MockPulser) settle(pin uint) {
	t, ok := m.tx[pin]
	if !ok {
		return
	}
	if n, fin := m.stepsDone(t, time.Since(t.start)); fin {
		m.edges[pin] += uint64(2 * n)
		delete(m.tx, pin)
	}
}

// SetOutput configures a GPIO as an output
func (m *MockPulser) SetOutput(pin uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailPins[pin]; ok {
		return err
	}
	m.outputs[pin] = true
	return nil
}

// Write sets the level of a GPIO
func (m *MockPulser) Write(pin uint, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = high
	m.events = append(m.events, MockEvent{Op: "write", Pin: pin, High: high})
	return nil
}

// Transmit starts a simulated pulse train on pin
func (m *MockPulser) Transmit(pin uint, levels []Level, repeatLast bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTransmit != nil {
		return m.FailTransmit
	}
	m.haltLocked(pin)
	m.tx[pin] = &transmission{levels: append([]Level(nil), levels...), forever: repeatLast, start: time.Now()}
	m.events = append(m.events, MockEvent{Op: "transmit", Pin: pin, Steps: sumSteps(levels)})
	return nil
}

// Busy is true while the pulse train on pin has not finished
func (m *MockPulser) Busy(pin uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(pin)
	_, ok := m.tx[pin]
	return ok, nil
}

func (m *MockPulser) haltLocked(pin uint) {
	t, ok := m.tx[pin]
	if !ok {
		return
	}
	n, _ := m.stepsDone(t, time.Since(t.start))
	m.edges[pin] += uint64(2 * n)
	delete(m.tx, pin)
	m.events = append(m.events, MockEvent{Op: "halt", Pin: pin, Steps: n})
}

// Halt stops the pulse train on pin
func (m *MockPulser) Halt(pin uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked(pin)
	return nil
}

// Edges returns the number of edges emitted on pin since the last reset,
// including those of a train still in progress
func (m *MockPulser) Edges(pin uint) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(pin)
	e := m.edges[pin]
	if t, ok := m.tx[pin]; ok {
		n, _ := m.stepsDone(t, time.Since(t.start))
		e += uint64(2 * n)
	}
	return e, nil
}

// ResetEdges zeroes the tally of pin
func (m *MockPulser) ResetEdges(pin uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[pin] = 0
	return nil
}

// Level returns the last level written to pin
func (m *MockPulser) Level(pin uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

// IsOutput is true if pin was configured as an output
func (m *MockPulser) IsOutput(pin uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[pin]
}

// Events returns a copy of the recorded calls
func (m *MockPulser) Events() []MockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockEvent(nil), m.events...)
}
