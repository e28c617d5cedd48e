package pigpio

import "fmt"

// Error is a negative status code returned by the daemon
type Error int

var errorText = map[int]string{
	-1:  "gpioInitialise failed",
	-2:  "GPIO not 0-31",
	-3:  "GPIO not 0-53",
	-4:  "mode not 0-7",
	-5:  "level not 0-1",
	-6:  "pud not 0-2",
	-7:  "pulsewidth not 0 or 500-2500",
	-8:  "dutycycle outside set range",
	-24: "no handle available",
	-25: "unknown handle",
	-41: "GPIO operation not permitted",
	-42: "one or more GPIO not permitted",
	-66: "non existent wave id",
	-67: "no more CBs for waveform",
	-68: "no more OOL for waveform",
	-69: "attempt to create an empty waveform",
	-70: "no more waveforms",
}

// Error satisfies the error interface
func (e Error) Error() string {
	if s, ok := errorText[int(e)]; ok {
		return fmt.Sprintf("pigpio error %d: %s", int(e), s)
	}
	return fmt.Sprintf("pigpio error %d: unknown error", int(e))
}
