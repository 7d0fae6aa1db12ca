package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

// Recorder stores every new snapshot of successful refreshes.
type Recorder struct {
	db Database

	mu      sync.Mutex
	devices map[string]*recorded
}

// recorded tracks the last stored snapshot of a device. Its lock is held
// while talking to the database so devices don't wait on each other.
type recorded struct {
	mu   sync.Mutex
	seen bool
	last time.Time
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db Database) *Recorder {
	return &Recorder{
		db:      db,
		devices: make(map[string]*recorded),
	}
}

func (r *Recorder) device(key string) *recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[key]
	if !ok {
		rec = &recorded{}
		r.devices[key] = rec
	}
	return rec
}

// Record is a coordinator.Listener. Failures are logged and otherwise
// ignored so the poller keeps going.
func (r *Recorder) Record(ctx context.Context, d types.Device, s coordinator.State) {
	if !s.HasData() {
		return
	}

	key := d.Key()
	rec := r.device(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.seen {
		if err := r.db.UpsertDevice(ctx, d); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store device", slog.String("device", key), slog.Any("error", err))
			return
		}
		latest, err := r.db.GetLatestSnapshotTime(ctx, key)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get latest snapshot time", slog.String("device", key), slog.Any("error", err))
			return
		}
		rec.seen = true
		rec.last = latest
	}

	// snapshot ids only have second precision
	ts := s.Snapshot.Timestamp.Truncate(time.Second)
	if !ts.After(rec.last) {
		return
	}
	if err := r.db.UpsertSnapshot(ctx, key, *s.Snapshot); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store snapshot", slog.String("device", key), slog.Any("error", err))
		return
	}
	rec.last = ts
}
