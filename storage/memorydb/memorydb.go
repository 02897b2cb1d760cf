// Package memorydb is the in-memory storage provider, used by tests and
// single-process development runs. It enforces the same merge and CAS rules
// as the persistent backends.
package memorydb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blocktimefinancial/refractor-sub000/storage"
)

// Database holds records behind one RWMutex. All returned records are deep
// copies; callers never share memory with the store.
type Database struct {
	mu      sync.RWMutex
	records map[string]*storage.TransactionRecord
	closed  bool

	now func() int64
}

// New returns an empty in-memory provider.
func New() *Database {
	return &Database{
		records: make(map[string]*storage.TransactionRecord),
		now:     func() int64 { return time.Now().Unix() },
	}
}

func (db *Database) FindTransaction(ctx context.Context, hash string) (*storage.TransactionRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrClosed
	}
	rec, ok := db.records[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (db *Database) SaveTransaction(ctx context.Context, rec *storage.TransactionRecord) (*storage.TransactionRecord, error) {
	if rec == nil || rec.Hash == "" {
		return nil, storage.ErrBadRecord
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrClosed
	}
	now := db.now()

	stored, ok := db.records[rec.Hash]
	if !ok {
		fresh := rec.Clone()
		if fresh.Status == "" {
			fresh.Status = storage.StatusPending
		}
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		db.records[fresh.Hash] = fresh
		return fresh.Clone(), nil
	}

	// Terminal records are frozen: no payload rewrite, no signature merge.
	if stored.Status.Terminal() {
		return stored.Clone(), nil
	}
	if err := storage.CheckImmutable(stored, rec); err != nil {
		return nil, err
	}
	next := rec.Status
	if next == "" {
		next = stored.Status
	}
	if !storage.CanTransition(stored.Status, next) {
		return nil, storage.ErrStatusDemotion
	}

	merged, _ := storage.MergeSignatures(stored.Signatures, rec.Signatures)
	stored.Signatures = merged
	stored.Status = next
	stored.Payload = rec.Payload
	stored.TxURI = rec.TxURI
	stored.Submit = stored.Submit || rec.Submit
	if rec.CallbackURL != "" {
		stored.CallbackURL = rec.CallbackURL
	}
	if len(rec.DesiredSigners) > 0 {
		stored.DesiredSigners = append([]string(nil), rec.DesiredSigners...)
	}
	if rec.MinTime != 0 {
		stored.MinTime = rec.MinTime
	}
	if rec.MaxTime != 0 {
		stored.MaxTime = rec.MaxTime
	}
	stored.UpdatedAt = now
	return stored.Clone(), nil
}

func (db *Database) UpdateTransaction(ctx context.Context, hash string, patch storage.Patch, expected storage.Status) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, storage.ErrClosed
	}
	rec, ok := db.records[hash]
	if !ok {
		return false, storage.ErrNotFound
	}
	if rec.Status != expected {
		return false, nil
	}
	if patch.Status != "" {
		if !storage.CanTransition(rec.Status, patch.Status) {
			return false, storage.ErrStatusDemotion
		}
		rec.Status = patch.Status
	}
	if patch.SubmittedAt != 0 {
		rec.SubmittedAt = patch.SubmittedAt
	}
	if patch.LastError != "" {
		rec.LastError = patch.LastError
	}
	rec.RetryCount += patch.RetryDelta
	rec.UpdatedAt = db.now()
	return true, nil
}

func (db *Database) ListTransactions(ctx context.Context, f storage.Filter) ([]*storage.TransactionRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrClosed
	}
	var out []*storage.TransactionRecord
	for _, rec := range db.records {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinTime != out[j].MinTime {
			return out[i].MinTime < out[j].MinTime
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (db *Database) CleanupExpired(ctx context.Context, now int64) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storage.ErrClosed
	}
	count := 0
	for _, rec := range db.records {
		if rec.Status.Terminal() || rec.Status == storage.StatusProcessing {
			continue
		}
		if rec.MaxTime != 0 && rec.MaxTime <= now {
			rec.Status = storage.StatusFailed
			rec.LastError = "expired"
			rec.UpdatedAt = db.now()
			count++
		}
	}
	return count, nil
}

func (db *Database) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	h := storage.Health{
		Connected: !closed,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if closed {
		h.Error = storage.ErrClosed.Error()
	}
	return h
}

func (db *Database) Stats(ctx context.Context) (map[storage.Status]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrClosed
	}
	stats := make(map[storage.Status]int)
	for _, rec := range db.records {
		stats[rec.Status]++
	}
	return stats, nil
}

func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
