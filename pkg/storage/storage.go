package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database persists the history of polled snapshots. Snapshots are stored per
// device key, see types.Device.Key.
type Database interface {
	// Devices
	UpsertDevice(ctx context.Context, device types.Device) error

	// Snapshots
	UpsertSnapshot(ctx context.Context, deviceKey string, snap types.Snapshot) error
	GetSnapshots(ctx context.Context, deviceKey string, start, end time.Time) ([]types.Snapshot, error)
	GetLatestSnapshotTime(ctx context.Context, deviceKey string) (time.Time, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "none", "Storage provider to use for snapshot history (available: none, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "none", "":
			p.Database = None{}
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// None discards everything. It is used when no history is wanted.
type None struct{}

var _ Database = None{}

func (None) UpsertDevice(ctx context.Context, device types.Device) error { return nil }

func (None) UpsertSnapshot(ctx context.Context, deviceKey string, snap types.Snapshot) error {
	return nil
}

func (None) GetSnapshots(ctx context.Context, deviceKey string, start, end time.Time) ([]types.Snapshot, error) {
	return nil, nil
}

func (None) GetLatestSnapshotTime(ctx context.Context, deviceKey string) (time.Time, error) {
	return time.Time{}, nil
}

func (None) Close() error { return nil }
