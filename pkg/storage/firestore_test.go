package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Device", func(t *testing.T) {
		d := types.Device{ID: "NE=1", Name: "Roof", Type: types.DeviceTypeInverter, Username: "u", Password: "secret"}
		require.NoError(t, f.UpsertDevice(ctx, d))

		got, err := f.GetDevice(ctx, "inverter:NE=1")
		require.NoError(t, err)
		assert.Equal(t, "Roof", got.Name)
		assert.Equal(t, types.DeviceTypeInverter, got.Type)
		assert.Empty(t, got.Password, "credentials should not be stored")

		_, err = f.GetDevice(ctx, "NE=1")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
		_, err = f.GetDevice(ctx, "inverter:NE=404")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("EmptyDeviceKey", func(t *testing.T) {
		_, err := f.GetSnapshots(ctx, "", time.Now(), time.Now())
		assert.ErrorContains(t, err, "device key cannot be empty")
	})

	t.Run("Snapshots", func(t *testing.T) {
		latest, err := f.GetLatestSnapshotTime(ctx, "plant:NE=2")
		require.NoError(t, err)
		assert.True(t, latest.IsZero())

		now := time.Now().Truncate(time.Second).UTC()
		s1 := types.Snapshot{Timestamp: now.Add(-time.Minute), DeviceType: types.DeviceTypePlant, Plant: types.PlantData{"dailyEnergy": "1.5"}}
		s2 := types.Snapshot{Timestamp: now, DeviceType: types.DeviceTypePlant, Plant: types.PlantData{"dailyEnergy": "2.5"}}
		require.NoError(t, f.UpsertSnapshot(ctx, "plant:NE=2", s1))
		require.NoError(t, f.UpsertSnapshot(ctx, "plant:NE=2", s2))

		snaps, err := f.GetSnapshots(ctx, "plant:NE=2", now.Add(-time.Hour), now.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, snaps, 2)
		assert.True(t, snaps[0].Timestamp.Equal(s1.Timestamp))
		assert.Equal(t, "2.5", snaps[1].Plant["dailyEnergy"])

		snaps, err = f.GetSnapshots(ctx, "plant:NE=2", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Len(t, snaps, 1, "end should be exclusive")

		latest, err = f.GetLatestSnapshotTime(ctx, "plant:NE=2")
		require.NoError(t, err)
		assert.True(t, latest.Equal(now))
	})

	t.Run("MissingTimestamp", func(t *testing.T) {
		err := f.UpsertSnapshot(ctx, "plant:NE=2", types.Snapshot{})
		assert.ErrorContains(t, err, "missing timestamp")
	})
}
