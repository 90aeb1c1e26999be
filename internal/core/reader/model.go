// Package reader implements the collaborative reading domain on top of the
// store and mirror layers: the file, device and device-set entities, the
// service owning the three replicated tables, and the per-viewer session
// that reconciles joins, leaves and page navigation across devices.
package reader

// File is an imported document. Files are immutable once created; the row
// key equals ID, which is the content hash of the document bytes.
type File struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	BlobRef  string `json:"blobRef"`
}

// Screen is a device's display size in pixels.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Device describes one participating device. Created once at first run and
// never mutated; globally unique by ID.
type Device struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Arch   string `json:"arch"`
	Screen Screen `json:"screen"`
}

// DeviceMeta is one device's viewing state within a device set. Page is
// 1-based. A linked device moves in lock-step with the other linked devices
// of its set.
type DeviceMeta struct {
	DeviceID string `json:"deviceId"`
	Page     int    `json:"page"`
	Zoom     int    `json:"zoom"`
	Linked   bool   `json:"linked"`
}

// DeviceSet is one collaborative viewing session: one file, and the viewing
// state of every device currently in the session. The whole document is
// written back on every mutation; concurrent writers resolve last-writer-wins.
type DeviceSet struct {
	ID      string                `json:"id"`
	FileID  string                `json:"fileId"`
	Devices map[string]DeviceMeta `json:"devices"`
}

// NewDeviceSet creates an empty device set for the given file.
func NewDeviceSet(id, fileID string) DeviceSet {
	return DeviceSet{
		ID:      id,
		FileID:  fileID,
		Devices: make(map[string]DeviceMeta),
	}
}

// Clone returns a deep copy. Sessions mutate a copy and write the whole
// document back, so a mirrored DeviceSet is never aliased.
func (ds DeviceSet) Clone() DeviceSet {
	out := ds
	out.Devices = make(map[string]DeviceMeta, len(ds.Devices))
	for id, dm := range ds.Devices {
		out.Devices[id] = dm
	}
	return out
}

// LinkedDevices returns the subset of devices with the linked flag set.
func (ds DeviceSet) LinkedDevices() map[string]DeviceMeta {
	out := make(map[string]DeviceMeta)
	for id, dm := range ds.Devices {
		if dm.Linked {
			out[id] = dm
		}
	}
	return out
}

// SmallestPage returns the minimum page among devices, or 0 when empty.
func SmallestPage(devices map[string]DeviceMeta) int {
	result := 0
	for _, dm := range devices {
		if result == 0 || dm.Page < result {
			result = dm.Page
		}
	}
	return result
}

// LargestPage returns the maximum page among devices, or 0 when empty.
func LargestPage(devices map[string]DeviceMeta) int {
	result := 0
	for _, dm := range devices {
		if result == 0 || dm.Page > result {
			result = dm.Page
		}
	}
	return result
}
