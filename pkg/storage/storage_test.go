package storage

import (
	"context"
	"testing"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	ctx := context.Background()
	var db Database = None{}

	require.NoError(t, db.UpsertDevice(ctx, types.Device{ID: "NE=1"}))
	require.NoError(t, db.UpsertSnapshot(ctx, "inverter:NE=1", types.Snapshot{Timestamp: time.Now()}))

	snaps, err := db.GetSnapshots(ctx, "inverter:NE=1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, snaps)

	latest, err := db.GetLatestSnapshotTime(ctx, "NE=1")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())
	assert.NoError(t, db.Close())
}

func TestSnapshotDocID(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-03-04T04:06:07Z", snapshotDocID(ts))
}
