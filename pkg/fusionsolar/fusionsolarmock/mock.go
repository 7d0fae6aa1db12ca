package fusionsolarmock

import (
	"context"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/mock"
)

// MockClient mocks the methods of *fusionsolar.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Login(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) IsSessionActive(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) GetRealTimeData(ctx context.Context, dn string) (*types.RealTimeData, error) {
	args := m.Called(ctx, dn)
	if v := args.Get(0); v != nil {
		return v.(*types.RealTimeData), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetCurrentPlantData(ctx context.Context, plantDN string) (types.PlantData, error) {
	args := m.Called(ctx, plantDN)
	if v := args.Get(0); v != nil {
		return v.(types.PlantData), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetBatteryStatus(ctx context.Context, dn string) ([]types.Signal, error) {
	args := m.Called(ctx, dn)
	if v := args.Get(0); v != nil {
		return v.([]types.Signal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetBatteryModuleStats(ctx context.Context, dn, moduleID string) ([]types.Signal, error) {
	args := m.Called(ctx, dn, moduleID)
	if v := args.Get(0); v != nil {
		return v.([]types.Signal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetPlantFlow(ctx context.Context, plantDN string) (*types.FlowData, error) {
	args := m.Called(ctx, plantDN)
	if v := args.Get(0); v != nil {
		return v.(*types.FlowData), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetStationList(ctx context.Context) ([]fusionsolar.Station, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]fusionsolar.Station), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetPlantIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetDeviceIDs(ctx context.Context) ([]fusionsolar.DeviceRef, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]fusionsolar.DeviceRef), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetBatteryIDs(ctx context.Context, plantDN string) ([]string, error) {
	args := m.Called(ctx, plantDN)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}
