package reader

import (
	"context"
	"sort"
	"sync"

	"github.com/pagesync/pagesync/internal/core/mirror"
	"github.com/pagesync/pagesync/internal/core/observability/log"
)

// Viewer is the document viewing surface a session drives. The UI layer
// implements it; the session tells it where to render and reflects remote
// link-state changes back into its controls.
type Viewer interface {
	// PageCount returns the number of pages of the loaded document.
	PageCount() int

	// SeekPage renders the given 1-based page.
	SeekPage(page int)

	// SetLinked reflects the local device's linked flag in the UI.
	SetLinked(linked bool)
}

// Session is one device's membership in at most one device set. It applies
// the join/leave and page navigation rules and reacts to remote mutations of
// the joined set arriving through the mirrored device-set list.
//
// Every store write pushes the whole device-set document, last-writer-wins.
// Two linked devices paging at the same moment can lose one of the moves;
// that is an accepted property of the design, repaired by the next write.
type Session struct {
	svc    *Service
	viewer Viewer
	logger log.Log

	sets *mirror.List[DeviceSet]

	mu      sync.Mutex
	current *DeviceSet
}

var _ mirror.Listener = (*Session)(nil)

// NewSession creates a session for the service's local device.
func NewSession(svc *Service, viewer Viewer, logger log.Log) *Session {
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		svc:    svc,
		viewer: viewer,
		logger: logger.With(log.String("device", svc.LocalDevice().ID)),
	}
}

// Start opens the mirrored device-set list and subscribes the session to its
// change notifications.
func (s *Session) Start(ctx context.Context) error {
	sets, err := s.svc.DeviceSets(ctx)
	if err != nil {
		return err
	}
	if err := sets.SetListener(s); err != nil {
		sets.Discard()
		return err
	}
	s.mu.Lock()
	s.sets = sets
	s.mu.Unlock()
	return nil
}

// Stop leaves the joined device set, if any, and discards the mirror.
func (s *Session) Stop(ctx context.Context) error {
	err := s.Leave(ctx)

	s.mu.Lock()
	sets := s.sets
	s.sets = nil
	s.mu.Unlock()

	if sets != nil {
		sets.Discard()
	}
	return err
}

// Sets exposes the mirrored device-set list for by-position reads.
func (s *Session) Sets() *mirror.List[DeviceSet] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

// Current returns the joined device set, if any.
func (s *Session) Current() (DeviceSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return DeviceSet{}, false
	}
	return s.current.Clone(), true
}

// CreateAndJoin imports document contents, creates a fresh device set for
// the file and joins it.
func (s *Session) CreateAndJoin(ctx context.Context, contents []byte, title string) (DeviceSet, error) {
	f, err := s.svc.StoreBytes(ctx, contents, title)
	if err != nil {
		return DeviceSet{}, err
	}
	if err := s.svc.AddFile(ctx, f); err != nil {
		return DeviceSet{}, err
	}

	ds := NewDeviceSet(RandomID(), f.ID)
	if err := s.svc.AddDeviceSet(ctx, ds); err != nil {
		return DeviceSet{}, err
	}
	if err := s.JoinSet(ctx, ds); err != nil {
		return DeviceSet{}, err
	}
	return ds, nil
}

// Join looks up the device set by id and joins it. The mirrored list is
// consulted first; a set whose insert has not reached the mirror yet is
// fetched from the table directly.
func (s *Session) Join(ctx context.Context, id string) error {
	s.mu.Lock()
	sets := s.sets
	s.mu.Unlock()

	var ds DeviceSet
	var ok bool
	if sets != nil {
		ds, ok = sets.ItemByID(id)
	}
	if !ok {
		var err error
		ds, err = s.svc.GetDeviceSet(ctx, id)
		if err != nil {
			return err
		}
	}
	return s.JoinSet(ctx, ds)
}

// JoinSet inserts this device into the set with its initial page computed by
// DetermineInitialPage, clamped to the document, writes the set back, and
// seeks the viewer there.
func (s *Session) JoinSet(ctx context.Context, ds DeviceSet) error {
	page := DetermineInitialPage(ds)
	if count := s.viewer.PageCount(); page > count {
		page = count
	}
	if page < 1 {
		page = 1
	}

	dm := DeviceMeta{
		DeviceID: s.svc.LocalDevice().ID,
		Page:     page,
		Zoom:     1,
		Linked:   true,
	}

	joined := ds.Clone()
	if joined.Devices == nil {
		joined.Devices = make(map[string]DeviceMeta)
	}
	joined.Devices[dm.DeviceID] = dm

	s.logger.Info("joining device set",
		log.String("deviceSet", joined.ID),
		log.Int("page", page))

	if err := s.svc.UpdateDeviceSet(ctx, joined); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = &joined
	s.mu.Unlock()

	s.viewer.SeekPage(page)
	return nil
}

// Leave removes this device from the joined set. The last device to leave
// deletes the set row entirely. Calling Leave when not joined is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	ds := s.current.Clone()
	s.current = nil
	s.mu.Unlock()

	delete(ds.Devices, s.svc.LocalDevice().ID)

	if len(ds.Devices) == 0 {
		s.logger.Info("last one to leave, deleting device set", log.String("deviceSet", ds.ID))
		return s.svc.DeleteDeviceSet(ctx, ds.ID)
	}

	s.logger.Info("leaving device set", log.String("deviceSet", ds.ID))
	return s.svc.UpdateDeviceSet(ctx, ds)
}

// PrevPage moves to the previous page. For an unlinked device only its own
// page moves, clamped at 1. For a linked device the whole linked group moves
// back one page, but only while the smallest linked page is above 1.
func (s *Session) PrevPage(ctx context.Context) error {
	return s.movePage(ctx, -1)
}

// NextPage moves to the next page. For an unlinked device only its own page
// moves, clamped at the page count. For a linked device the whole linked
// group advances, but only while the largest linked page is below the count.
func (s *Session) NextPage(ctx context.Context) error {
	return s.movePage(ctx, +1)
}

func (s *Session) movePage(ctx context.Context, delta int) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	ds := s.current.Clone()
	s.mu.Unlock()

	deviceID := s.svc.LocalDevice().ID
	me, ok := ds.Devices[deviceID]
	if !ok {
		return nil
	}
	pageCount := s.viewer.PageCount()

	if !me.Linked {
		page := me.Page + delta
		if page < 1 || page > pageCount {
			return nil
		}
		me.Page = page
		ds.Devices[deviceID] = me
		return s.writeBack(ctx, ds, page)
	}

	// Move every linked device together. The group only moves while its
	// extremum stays within the document: no linked page may go below 1
	// or beyond the page count.
	linked := ds.LinkedDevices()
	if delta < 0 && SmallestPage(linked) <= 1 {
		return nil
	}
	if delta > 0 && LargestPage(linked) >= pageCount {
		return nil
	}
	for id, dm := range linked {
		dm.Page += delta
		ds.Devices[id] = dm
	}
	return s.writeBack(ctx, ds, ds.Devices[deviceID].Page)
}

// ToggleLinked flips this device's linked flag and writes the set back.
func (s *Session) ToggleLinked(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	ds := s.current.Clone()
	s.mu.Unlock()

	deviceID := s.svc.LocalDevice().ID
	me, ok := ds.Devices[deviceID]
	if !ok {
		return nil
	}
	me.Linked = !me.Linked
	ds.Devices[deviceID] = me

	s.logger.Debug("toggled link state", log.Bool("linked", me.Linked))

	if err := s.svc.UpdateDeviceSet(ctx, ds); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &ds
	s.mu.Unlock()
	s.viewer.SetLinked(me.Linked)
	return nil
}

func (s *Session) writeBack(ctx context.Context, ds DeviceSet, ownPage int) error {
	if err := s.svc.UpdateDeviceSet(ctx, ds); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &ds
	s.mu.Unlock()
	s.viewer.SeekPage(ownPage)
	return nil
}

// ItemChanged implements mirror.Listener. When the joined set is mutated
// remotely, the session adopts the new document, seeks the viewer if this
// device's own page moved, and reflects a remotely flipped link flag.
func (s *Session) ItemChanged(position int) {
	s.mu.Lock()
	sets := s.sets
	if sets == nil || s.current == nil {
		s.mu.Unlock()
		return
	}
	changed := sets.ItemAt(position)
	if changed.ID != s.current.ID {
		s.mu.Unlock()
		return
	}

	deviceID := s.svc.LocalDevice().ID
	before, hadBefore := s.current.Devices[deviceID]
	after, hasAfter := changed.Devices[deviceID]

	adopted := changed.Clone()
	s.current = &adopted
	s.mu.Unlock()

	if !hadBefore || !hasAfter {
		return
	}
	if after.Page != before.Page {
		s.viewer.SeekPage(after.Page)
	}
	if after.Linked != before.Linked {
		s.viewer.SetLinked(after.Linked)
	}
}

// ItemInserted implements mirror.Listener.
func (s *Session) ItemInserted(int) {}

// ItemRemoved implements mirror.Listener.
func (s *Session) ItemRemoved(int) {}

// DetermineInitialPage computes where a newly joining device should start:
// one past the end of the first maximal run of consecutive pages counting up
// from the smallest page in use. Devices reading pages 1,2,3 place a
// newcomer at 4; a disjoint straggler at page 9 does not drag the newcomer
// past the contiguous group. An empty set starts at page 1.
func DetermineInitialPage(ds DeviceSet) int {
	if len(ds.Devices) == 0 {
		return 1
	}

	pages := make([]int, 0, len(ds.Devices))
	for _, dm := range ds.Devices {
		pages = append(pages, dm.Page)
	}
	sort.Ints(pages)

	last := pages[0]
	for _, p := range pages[1:] {
		if p-last > 1 {
			break
		}
		last = p
	}
	return last + 1
}
