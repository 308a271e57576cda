package capture

import (
	"context"
	"strings"
)

// Device is an audio input that yields fixed-size blocks of signed 16-bit samples.
type Device interface {
	// Open acquires the device. A failure here is fatal for the source.
	Open(ctx context.Context) error
	// ReadBlock fills buf completely and reports any status flags raised while
	// the block was captured. It returns io.EOF when the input has ended.
	ReadBlock(buf []int16) (Status, error)
	// Close releases the device and unblocks a pending ReadBlock.
	Close() error
}

// Status carries device condition flags for one block.
type Status uint8

const (
	StatusInputOverflow Status = 1 << iota
	StatusInputUnderflow
	StatusDeviceError
)

func (s Status) Has(flag Status) bool { return s&flag != 0 }

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	if s.Has(StatusInputOverflow) {
		parts = append(parts, "input_overflow")
	}
	if s.Has(StatusInputUnderflow) {
		parts = append(parts, "input_underflow")
	}
	if s.Has(StatusDeviceError) {
		parts = append(parts, "device_error")
	}
	return strings.Join(parts, "|")
}
