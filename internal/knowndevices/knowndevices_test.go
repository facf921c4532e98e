package knowndevices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	devices, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestLoadMalformedFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644))

	devices, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestSaveAppendsThenUpsertsById(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")

	d1 := KnownDevice{DeviceID: "d1", DeviceName: "Phone One", Address: "10.0.0.1", Port: 1716}
	d2 := KnownDevice{DeviceID: "d2", DeviceName: "Phone Two", Address: "10.0.0.2", Port: 1716}
	require.NoError(t, Save(d1, path))
	require.NoError(t, Save(d2, path))

	devices, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []KnownDevice{d1, d2}, devices)

	d1Updated := KnownDevice{DeviceID: "d1", DeviceName: "Phone One Renamed", Address: "10.0.0.9", Port: 1717}
	require.NoError(t, Save(d1Updated, path))

	devices, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, []KnownDevice{d1Updated, d2}, devices)
}

func TestRemoveMissingIsNoOpAndDoesNotCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, Remove("ghost", path))

	_, err := Load(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "Remove of a missing id must not create the file")
}

func TestRemoveDeletesExistingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	d1 := KnownDevice{DeviceID: "d1", DeviceName: "Phone One"}
	d2 := KnownDevice{DeviceID: "d2", DeviceName: "Phone Two"}
	require.NoError(t, Save(d1, path))
	require.NoError(t, Save(d2, path))

	require.NoError(t, Remove("d1", path))

	devices, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []KnownDevice{d2}, devices)
}
