package overstay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	end := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		now          time.Time
		blockMinutes int
		feePerBlock  int64
		wantMinutes  int
		wantBlocks   int
		wantFee      int64
	}{
		{
			name:         "sixteen minutes over bills two blocks",
			now:          end.Add(16 * time.Minute),
			blockMinutes: 15,
			feePerBlock:  10,
			wantMinutes:  16,
			wantBlocks:   2,
			wantFee:      20,
		},
		{
			name:         "departure exactly on time owes nothing",
			now:          end,
			blockMinutes: 15,
			feePerBlock:  10,
		},
		{
			name:         "early departure owes nothing",
			now:          end.Add(-30 * time.Minute),
			blockMinutes: 15,
			feePerBlock:  10,
		},
		{
			name:         "one second over rounds up to a full block",
			now:          end.Add(time.Second),
			blockMinutes: 15,
			feePerBlock:  10,
			wantMinutes:  1,
			wantBlocks:   1,
			wantFee:      10,
		},
		{
			name:         "seconds round up to the next minute",
			now:          end.Add(15*time.Minute + time.Second),
			blockMinutes: 15,
			feePerBlock:  10,
			wantMinutes:  16,
			wantBlocks:   2,
			wantFee:      20,
		},
		{
			name:         "exact block boundary bills one block",
			now:          end.Add(15 * time.Minute),
			blockMinutes: 15,
			feePerBlock:  10,
			wantMinutes:  15,
			wantBlocks:   1,
			wantFee:      10,
		},
		{
			name:         "long overstay",
			now:          end.Add(3*time.Hour + 7*time.Minute),
			blockMinutes: 30,
			feePerBlock:  25,
			wantMinutes:  187,
			wantBlocks:   7,
			wantFee:      175,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(end, tt.now, tt.blockMinutes, tt.feePerBlock)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMinutes, got.OverstayMinutes)
			assert.Equal(t, tt.wantBlocks, got.Blocks)
			assert.Equal(t, tt.wantFee, got.Fee)
		})
	}

	t.Run("rejects non-positive block size", func(t *testing.T) {
		_, err := Compute(end, end.Add(time.Hour), 0, 10)
		assert.ErrorIs(t, err, ErrInvalidBlock)
	})

	t.Run("rejects negative fee", func(t *testing.T) {
		_, err := Compute(end, end.Add(time.Hour), 15, -1)
		assert.ErrorIs(t, err, ErrInvalidBlock)
	})
}
