package overstay

import (
	"errors"
	"time"
)

// ErrInvalidBlock rejects nonsensical billing parameters.
var ErrInvalidBlock = errors.New("block minutes and fee must be positive")

// Assessment is the outcome of an overstay computation.
type Assessment struct {
	OverstayMinutes int   `json:"overstay_minutes"`
	Blocks          int   `json:"blocks"`
	Fee             int64 `json:"fee"`
}

// Compute bills the time past scheduledEnd in whole blocks. Minutes are
// rounded up from seconds, blocks are rounded up from minutes, and a
// departure at or before scheduledEnd owes nothing.
func Compute(scheduledEnd, now time.Time, blockMinutes int, feePerBlock int64) (Assessment, error) {
	if blockMinutes <= 0 || feePerBlock < 0 {
		return Assessment{}, ErrInvalidBlock
	}

	overstay := now.Sub(scheduledEnd)
	if overstay <= 0 {
		return Assessment{}, nil
	}

	seconds := int64(overstay / time.Second)
	if overstay%time.Second > 0 {
		seconds++
	}
	minutes := int(seconds / 60)
	if seconds%60 > 0 {
		minutes++
	}

	blocks := minutes / blockMinutes
	if minutes%blockMinutes > 0 {
		blocks++
	}

	return Assessment{
		OverstayMinutes: minutes,
		Blocks:          blocks,
		Fee:             int64(blocks) * feePerBlock,
	}, nil
}
