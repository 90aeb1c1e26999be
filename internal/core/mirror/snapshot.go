package mirror

import (
	"context"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
)

// SnapshotReader performs a consistent point-in-time scan of a table and
// decodes the result. The returned marker corresponds exactly to the scanned
// state: a watch started at it neither repeats nor misses any change that is
// visible in the returned items.
type SnapshotReader[E any] struct {
	decode DecodeFunc[E]
	logger log.Log
}

func NewSnapshotReader[E any](decode DecodeFunc[E], logger log.Log) *SnapshotReader[E] {
	if logger == nil {
		logger = log.Nop()
	}
	return &SnapshotReader[E]{decode: decode, logger: logger}
}

// Read scans the table in key order. Rows that fail to decode are skipped
// and logged; a single malformed record must not fail the snapshot.
func (r *SnapshotReader[E]) Read(ctx context.Context, table store.Table) ([]E, store.ResumeMarker, error) {
	kvs, marker, err := table.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	items := make([]E, 0, len(kvs))
	for _, kv := range kvs {
		item, err := r.decode(kv.Value)
		if err != nil {
			derr := &store.DecodeError{Table: table.Name(), Row: kv.Key, Err: err}
			r.logger.Warn("skipping undecodable row in snapshot", log.Error(derr))
			continue
		}
		items = append(items, item)
	}

	r.logger.Debug("snapshot read",
		log.String("table", table.Name()),
		log.Int("items", len(items)))

	return items, marker, nil
}
