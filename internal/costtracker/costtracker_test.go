package costtracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordComputesCostFromRates(t *testing.T) {
	tr := New("t1", 0, nil)
	snap := tr.Record(context.Background(), "backend", "sonnet", 1_000_000, 1_000_000, time.Second)
	// sonnet: (1e6*3 + 1e6*15)/1e6 = 18
	assert.InDelta(t, 18.0, snap.CostUSD, 1e-9)
}

func TestRecordFallsBackToSonnetForUnknownModel(t *testing.T) {
	tr := New("t1", 0, nil)
	snap := tr.Record(context.Background(), "backend", "gpt-mystery", 1_000_000, 0, time.Second)
	assert.InDelta(t, 3.0, snap.CostUSD, 1e-9)
}

func TestThresholdFiresOncePerTier(t *testing.T) {
	var fired []int
	tr := New("t1", 1.0, func(taskID string, threshold int, percent float64) {
		fired = append(fired, threshold)
	})

	// $0.40 -> 40%, no callback.
	tr.Record(context.Background(), "backend", "haiku", 0, int(0.40/1.25*1e6), 0)
	require.Empty(t, fired)

	// + $0.50 -> 90%, fires 50 and 80.
	tr.Record(context.Background(), "frontend", "haiku", 0, int(0.50/1.25*1e6), 0)
	assert.Equal(t, []int{50, 80}, fired)

	// + $0.20 -> 110%, fires 100 only (50/80 already fired).
	tr.Record(context.Background(), "tester", "haiku", 0, int(0.20/1.25*1e6), 0)
	assert.Equal(t, []int{50, 80, 100}, fired)
	assert.True(t, tr.BudgetExceeded())
}

func TestTotalCostIsSumOfSnapshots(t *testing.T) {
	tr := New("t1", 0, nil)
	tr.Record(context.Background(), "a", "opus", 1_000_000, 0, 0)
	tr.Record(context.Background(), "b", "haiku", 1_000_000, 0, 0)
	assert.InDelta(t, 15.25, tr.TotalCost(), 1e-6)
}

func TestZeroBudgetNeverExceeds(t *testing.T) {
	tr := New("t1", 0, nil)
	tr.Record(context.Background(), "a", "opus", 100_000_000, 100_000_000, 0)
	assert.False(t, tr.BudgetExceeded())
	assert.Equal(t, 0.0, tr.BudgetPercent())
}
