package reader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Run("deviceSet", func(t *testing.T) {
		ds := NewDeviceSet("set-1", "file-1")
		ds.Devices["dev-1"] = DeviceMeta{DeviceID: "dev-1", Page: 3, Zoom: 1, Linked: true}

		data, err := Encode(ds)
		require.NoError(t, err)

		got, err := Decode[DeviceSet](data)
		require.NoError(t, err)
		require.Equal(t, ds, got)

		_, err = Decode[DeviceSet]([]byte("{broken"))
		require.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		f := File{
			ID:       "file-1",
			Title:    "travel plans.pdf",
			Size:     24576,
			MimeType: "application/pdf",
			BlobRef:  "blob-9f",
		}

		data, err := Encode(f)
		require.NoError(t, err)

		got, err := Decode[File](data)
		require.NoError(t, err)
		require.Equal(t, f, got)
	})

	t.Run("device", func(t *testing.T) {
		d := Device{
			ID:     "dev-1",
			Type:   "mobile",
			Name:   "kitchen tablet",
			Arch:   "arm64",
			Screen: Screen{Width: 1920, Height: 1200},
		}

		data, err := Encode(d)
		require.NoError(t, err)

		got, err := Decode[Device](data)
		require.NoError(t, err)
		require.Equal(t, d, got)
	})
}

func TestCloneIsDeep(t *testing.T) {
	ds := NewDeviceSet("set-1", "file-1")
	ds.Devices["a"] = DeviceMeta{DeviceID: "a", Page: 1}

	clone := ds.Clone()
	clone.Devices["a"] = DeviceMeta{DeviceID: "a", Page: 9}
	clone.Devices["b"] = DeviceMeta{DeviceID: "b", Page: 2}

	require.Equal(t, 1, ds.Devices["a"].Page)
	require.Len(t, ds.Devices, 1)
}

func TestLinkedDevices(t *testing.T) {
	ds := NewDeviceSet("set-1", "file-1")
	ds.Devices["a"] = DeviceMeta{DeviceID: "a", Page: 2, Linked: true}
	ds.Devices["b"] = DeviceMeta{DeviceID: "b", Page: 7, Linked: false}
	ds.Devices["c"] = DeviceMeta{DeviceID: "c", Page: 4, Linked: true}

	linked := ds.LinkedDevices()
	require.Len(t, linked, 2)
	require.Contains(t, linked, "a")
	require.Contains(t, linked, "c")

	require.Equal(t, 2, SmallestPage(linked))
	require.Equal(t, 4, LargestPage(linked))

	require.Zero(t, SmallestPage(nil))
	require.Zero(t, LargestPage(nil))
}

func TestFileIDIsContentDerived(t *testing.T) {
	a := FileID([]byte("hello"))
	b := FileID([]byte("hello"))
	c := FileID([]byte("world"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	// Without contents the id is random but still unique.
	require.NotEqual(t, FileID(nil), FileID(nil))
}
