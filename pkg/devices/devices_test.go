package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		t.Setenv("TEST_FUSIONSOLAR_PASSWORD", "hunter2")
		path := writeFile(t, `
devices:
  - id: NE=1
    name: Roof
    type: Inverter
    username: me@example.com
    password: ${TEST_FUSIONSOLAR_PASSWORD}
  - id: NE=2
    type: Battery
    username: me@example.com
    password: plain
    subdomain: region01eu5
`)
		devs, err := Load(path)
		require.NoError(t, err)
		require.Len(t, devs, 2)
		assert.Equal(t, types.Device{ID: "NE=1", Name: "Roof", Type: types.DeviceTypeInverter, Username: "me@example.com", Password: "hunter2"}, devs[0])
		assert.Equal(t, "region01eu5", devs[1].SubdomainOrDefault())
		assert.Equal(t, types.DefaultSubdomain, devs[0].SubdomainOrDefault())
	})

	t.Run("Duplicate", func(t *testing.T) {
		path := writeFile(t, `
devices:
  - {id: NE=1, type: Plant, username: u, password: p}
  - {id: NE=1, type: Plant, username: u, password: p}
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "duplicate Plant device id: NE=1")
	})

	t.Run("Same DN Different Type", func(t *testing.T) {
		path := writeFile(t, `
devices:
  - {id: NE=1, type: Plant, username: u, password: p}
  - {id: NE=1, type: Flow, username: u, password: p}
`)
		devs, err := Load(path)
		require.NoError(t, err)
		require.Len(t, devs, 2)
		assert.NotEqual(t, devs[0].Key(), devs[1].Key())
	})

	t.Run("Invalid Type", func(t *testing.T) {
		path := writeFile(t, `
devices:
  - {id: NE=1, type: Meter, username: u, password: p}
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "unknown device type")
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := Load(writeFile(t, "devices: []\n"))
		assert.ErrorContains(t, err, "no devices configured")
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "read devices file")
	})

	t.Run("Bad YAML", func(t *testing.T) {
		_, err := Load(writeFile(t, "devices: [\n"))
		assert.ErrorContains(t, err, "parse devices file")
	})
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	inv := types.Device{ID: "NE=1", Name: "Roof", Type: types.DeviceTypeInverter, Username: "u", Password: "p", Subdomain: "uni001eu5"}
	bat := types.Device{ID: "NE=2", Name: "Garage", Type: types.DeviceTypeBattery, Username: "u", Password: "p"}

	require.NoError(t, Append(path, inv))
	require.NoError(t, Append(path, bat))
	assert.ErrorContains(t, Append(path, inv), "already configured")

	devs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []types.Device{inv, bat}, devs)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	t.Run("Plant And Flow", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "devices.yaml")
		plant := types.Device{ID: "NE=10", Name: "Home", Type: types.DeviceTypePlant, Username: "u", Password: "p"}
		flow := types.Device{ID: "NE=10", Name: "Home Flow", Type: types.DeviceTypeFlow, Username: "u", Password: "p"}

		require.NoError(t, Append(path, plant))
		require.NoError(t, Append(path, flow))
		assert.ErrorContains(t, Append(path, flow), "Flow device NE=10 is already configured")

		devs, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []types.Device{plant, flow}, devs)
	})
}
