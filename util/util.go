// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"strings"
	"time"
)

// ShiftLeft moves a device's sample word up to its bit position on a
// shared digital line
func ShiftLeft(w int64, bitIndex uint) int64 {
	return w << bitIndex
}

// MaskBit extracts a single device's bit from a shared digital word,
// returned in the device's own frame (bit zero)
func MaskBit(w int64, bitIndex uint) int64 {
	return (w >> bitIndex) & 1
}

// MergeErrors converts many errors to a single one, newline separated
func MergeErrors(errs []error) error {
	var strs []string
	for idx := 0; idx < len(errs); idx++ {
		err := errs[idx]
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	joined := strings.Join(strs, "\n")
	if joined == "" {
		return nil
	}
	return fmt.Errorf("%s", joined)
}

// SecsToDuration converts floating point seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
