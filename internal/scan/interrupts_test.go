package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterrupts_Poll(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	in := NewInterrupts(store, nil)

	assert.False(t, in.Poll(ctx))
	assert.False(t, in.Paused())

	require.NoError(t, store.SetFlag(ctx, FlagPause, true))
	assert.False(t, in.Poll(ctx))
	assert.True(t, in.Paused())

	require.NoError(t, store.SetFlag(ctx, FlagResume, true))
	assert.False(t, in.Poll(ctx))
	assert.False(t, in.Paused(), "resume clears pause")
	assert.True(t, in.Resumed())

	pause, _ := store.GetFlag(ctx, FlagPause)
	resume, _ := store.GetFlag(ctx, FlagResume)
	assert.False(t, pause)
	assert.False(t, resume, "resume request is consumed")

	in.Poll(ctx)
	assert.False(t, in.Resumed())

	require.NoError(t, store.SetFlag(ctx, FlagPause, true))
	require.NoError(t, store.SetFlag(ctx, FlagAbort, true))
	assert.True(t, in.Poll(ctx))
	assert.True(t, in.Aborted())
}

func TestInterrupts_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := NewInterrupts(NewLocalStore(), nil)
	assert.True(t, in.Poll(ctx))
	assert.True(t, in.Aborted())
}

func TestInterrupts_Clear(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	for _, f := range []string{FlagAbort, FlagPause, FlagResume} {
		require.NoError(t, store.SetFlag(ctx, f, true))
	}

	in := NewInterrupts(store, nil)
	in.Poll(ctx)
	in.Clear(ctx)

	assert.False(t, in.Aborted())
	assert.False(t, in.Paused())
	for _, f := range []string{FlagAbort, FlagPause, FlagResume} {
		v, err := store.GetFlag(ctx, f)
		require.NoError(t, err)
		assert.False(t, v, f)
	}
}

func TestInterrupts_StoreFailureKeepsLastValue(t *testing.T) {
	ctx := context.Background()
	in := NewInterrupts(failingStore{}, nil)
	in.abort = true

	assert.True(t, in.Poll(ctx), "unreadable abort flag keeps previous value")
	assert.False(t, in.Resumed())
}

func TestLocalStore_ScanData(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()

	require.NoError(t, store.InitScanData(ctx, []Column{
		{Name: "energy", Values: []float64{1, 2}},
		{Name: "i0"},
	}))
	require.NoError(t, store.SetScanData(ctx, "i0", []float64{10}))
	assert.Error(t, store.SetScanData(ctx, "missing", nil))

	cols := store.ScanData()
	require.Len(t, cols, 2)
	assert.Equal(t, "energy", cols[0].Name)
	assert.Equal(t, []float64{10}, cols[1].Values)

	require.NoError(t, store.InitScanData(ctx, []Column{{Name: "x"}}))
	assert.Len(t, store.ScanData(), 1, "init replaces columns")
}

func TestLocalStore_AllInfo(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	require.NoError(t, store.SetInfo(ctx, InfoScanMessage, "pre-scan"))
	require.NoError(t, store.SetInfo(ctx, InfoTotalPoints, 5))

	all := store.AllInfo()
	assert.Equal(t, map[string]any{InfoScanMessage: "pre-scan", InfoTotalPoints: 5}, all)

	all[InfoScanMessage] = "changed"
	v, _ := store.Info(InfoScanMessage)
	assert.Equal(t, "pre-scan", v, "AllInfo returns a copy")
}
