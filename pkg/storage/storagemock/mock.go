package storagemock

import (
	"context"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/storage"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertDevice(ctx context.Context, device types.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockDatabase) UpsertSnapshot(ctx context.Context, deviceKey string, snap types.Snapshot) error {
	args := m.Called(ctx, deviceKey, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetSnapshots(ctx context.Context, deviceKey string, start, end time.Time) ([]types.Snapshot, error) {
	args := m.Called(ctx, deviceKey, start, end)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.Snapshot), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestSnapshotTime(ctx context.Context, deviceKey string) (time.Time, error) {
	args := m.Called(ctx, deviceKey)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
