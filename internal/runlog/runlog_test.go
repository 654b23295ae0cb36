package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := Open(path)
	require.NoError(t, err)

	now := time.UnixMilli(time.Now().UnixMilli())
	points := []Point{
		{Epoch: 1, Step: 250, GlobalStep: 250, Loss: 7.5, LR: 1e-5, Time: now},
		{Epoch: 1, Step: 500, GlobalStep: 500, Loss: 6.25, LR: 2e-5, Time: now.Add(time.Second)},
	}
	for _, p := range points {
		require.NoError(t, db.RecordLoss(ctx, p))
	}
	require.NoError(t, db.RecordEpoch(ctx, Epoch{Epoch: 1, Started: now, Finished: now, OptimizerSteps: 10}))
	require.NoError(t, db.RecordEpoch(ctx, Epoch{Epoch: 1, Started: now, Finished: now.Add(time.Minute), OptimizerSteps: 12, Overflows: 1}))
	require.NoError(t, db.Close())

	// reopening keeps the history
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Losses(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range points {
		assert.Equal(t, points[i].Epoch, got[i].Epoch)
		assert.Equal(t, points[i].Step, got[i].Step)
		assert.Equal(t, points[i].GlobalStep, got[i].GlobalStep)
		assert.Equal(t, points[i].Loss, got[i].Loss)
		assert.Equal(t, points[i].LR, got[i].LR)
		assert.True(t, points[i].Time.Equal(got[i].Time))
	}

	epochs, err := db.Epochs(ctx)
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.Equal(t, 12, epochs[0].OptimizerSteps)
	assert.Equal(t, 1, epochs[0].Overflows)
	assert.True(t, epochs[0].Finished.Equal(now.Add(time.Minute)))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.RecordLoss(context.Background(), Point{}))
	assert.NoError(t, r.RecordEpoch(context.Background(), Epoch{}))
	assert.NoError(t, r.Close())
}
