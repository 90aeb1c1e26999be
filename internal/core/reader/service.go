package reader

import (
	"context"
	"errors"
	"sync"

	"github.com/pagesync/pagesync/internal/core/mirror"
	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

// Table names within the shared store.
const (
	TableFiles      = "files"
	TableDevices    = "devices"
	TableDeviceSets = "deviceSets"
	TableBlobs      = "blobs"
)

// ErrNotReady reports use of the service before Bind delivered the
// authenticated table handles.
var ErrNotReady = errors.New("reader: store handles not bound")

// Handles is the set of ready-to-use table handles. Bootstrap (identity,
// group membership) happens outside this package; handles arrive only after
// it succeeds.
type Handles struct {
	Files      store.Table
	Devices    store.Table
	DeviceSets store.Table
	Blobs      store.Table
}

// HandlesFromStore opens the four reader tables of a store.
func HandlesFromStore(s store.Store) Handles {
	return Handles{
		Files:      s.Table(TableFiles),
		Devices:    s.Table(TableDevices),
		DeviceSets: s.Table(TableDeviceSets),
		Blobs:      s.Table(TableBlobs),
	}
}

// Service provides high-level access to the reader state: the mirrored
// lists, entity writes and blob content. One Service per process, owned and
// constructed by the application entry point.
type Service struct {
	device Device
	logger log.Log

	mu sync.RWMutex
	h  *Handles
}

// NewService creates a service for the given local device. The service is
// not usable until Bind is called with authenticated handles.
func NewService(device Device, logger log.Log) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		device: device,
		logger: logger.With(log.String("device", device.ID)),
	}
}

// Bind installs the table handles and registers the local device row.
// After Bind returns, IsInitialized reports true.
func (s *Service) Bind(ctx context.Context, h Handles) error {
	data, err := Encode(s.device)
	if err != nil {
		return err
	}
	if err := h.Devices.Put(ctx, s.device.ID, data); err != nil {
		s.logger.Error("could not register this device", log.Error(err))
		return err
	}
	s.logger.Info("registered local device")

	s.mu.Lock()
	s.h = &h
	s.mu.Unlock()
	return nil
}

// IsInitialized reports whether Bind has completed.
func (s *Service) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h != nil
}

// LocalDevice returns the device this service represents.
func (s *Service) LocalDevice() Device {
	return s.device
}

func (s *Service) handles() (*Handles, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.h == nil {
		return nil, ErrNotReady
	}
	return s.h, nil
}

// Files opens a mirrored list of all imported files.
func (s *Service) Files(ctx context.Context) (*mirror.List[File], error) {
	h, err := s.handles()
	if err != nil {
		return nil, err
	}
	return mirror.Open(ctx, h.Files, Decode[File], func(f File) string { return f.ID }, s.logger)
}

// Devices opens a mirrored list of all registered devices.
func (s *Service) Devices(ctx context.Context) (*mirror.List[Device], error) {
	h, err := s.handles()
	if err != nil {
		return nil, err
	}
	return mirror.Open(ctx, h.Devices, Decode[Device], func(d Device) string { return d.ID }, s.logger)
}

// DeviceSets opens a mirrored list of the active device sets.
func (s *Service) DeviceSets(ctx context.Context) (*mirror.List[DeviceSet], error) {
	h, err := s.handles()
	if err != nil {
		return nil, err
	}
	return mirror.Open(ctx, h.DeviceSets, Decode[DeviceSet], func(ds DeviceSet) string { return ds.ID }, s.logger)
}

// AddFile stores a file row.
func (s *Service) AddFile(ctx context.Context, f File) error {
	h, err := s.handles()
	if err != nil {
		return err
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if err := h.Files.Put(ctx, f.ID, data); err != nil {
		s.logger.Error("failed to add file", log.String("file", f.ID), log.Error(err))
		return err
	}
	return nil
}

// DeleteFile removes a file row.
func (s *Service) DeleteFile(ctx context.Context, id string) error {
	h, err := s.handles()
	if err != nil {
		return err
	}
	if err := h.Files.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete file", log.String("file", id), log.Error(err))
		return err
	}
	return nil
}

// GetFile reads a file row directly from the table, bypassing any mirror.
func (s *Service) GetFile(ctx context.Context, id string) (File, error) {
	h, err := s.handles()
	if err != nil {
		return File{}, err
	}
	data, err := h.Files.Get(ctx, id)
	if err != nil {
		return File{}, err
	}
	return Decode[File](data)
}

// AddDeviceSet stores a device set row.
func (s *Service) AddDeviceSet(ctx context.Context, ds DeviceSet) error {
	return s.UpdateDeviceSet(ctx, ds)
}

// UpdateDeviceSet writes the whole device set document back. The write is
// last-writer-wins against concurrent writers; there is no concurrency
// token, and a racing update from another device can be silently overwritten.
func (s *Service) UpdateDeviceSet(ctx context.Context, ds DeviceSet) error {
	h, err := s.handles()
	if err != nil {
		return err
	}
	data, err := Encode(ds)
	if err != nil {
		return err
	}
	if err := h.DeviceSets.Put(ctx, ds.ID, data); err != nil {
		s.logger.Error("failed to update device set", log.String("deviceSet", ds.ID), log.Error(err))
		return err
	}
	return nil
}

// DeleteDeviceSet removes a device set row.
func (s *Service) DeleteDeviceSet(ctx context.Context, id string) error {
	h, err := s.handles()
	if err != nil {
		return err
	}
	if err := h.DeviceSets.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete device set", log.String("deviceSet", id), log.Error(err))
		return err
	}
	return nil
}

// GetDeviceSet reads a device set row directly from the table.
func (s *Service) GetDeviceSet(ctx context.Context, id string) (DeviceSet, error) {
	h, err := s.handles()
	if err != nil {
		return DeviceSet{}, err
	}
	data, err := h.DeviceSets.Get(ctx, id)
	if err != nil {
		return DeviceSet{}, err
	}
	return Decode[DeviceSet](data)
}

// StoreBytes stores document contents in the blob table and returns the File
// row describing it. The file id and blob ref are both derived from the
// content hash, so importing the same document twice lands on the same row.
func (s *Service) StoreBytes(ctx context.Context, contents []byte, title string) (File, error) {
	h, err := s.handles()
	if err != nil {
		return File{}, err
	}

	id := FileID(contents)
	if err := h.Blobs.Put(ctx, id, contents); err != nil {
		s.logger.Error("failed to store blob", log.String("blob", id), log.Error(err))
		return File{}, err
	}

	return File{
		ID:       id,
		Title:    title,
		Size:     int64(len(contents)),
		MimeType: "application/pdf",
		BlobRef:  id,
	}, nil
}

// ReadBytes resolves a file's contents from the blob table.
func (s *Service) ReadBytes(ctx context.Context, f File) ([]byte, error) {
	h, err := s.handles()
	if err != nil {
		return nil, err
	}
	return h.Blobs.Get(ctx, f.BlobRef)
}
