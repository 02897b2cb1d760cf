// Package leveldb is the persistent storage provider on goleveldb. Records
// are stored as JSON under the tx- prefix; three index families serve the
// listing workloads:
//
//	tx-<hash>                         record body
//	idx-s-<status>-<minTime>-<hash>   status listing ordered by minTime
//	idx-x-<maxTime>-<hash>           expiry sweep (only when maxTime set)
//	idx-c-<createdAt>-<hash>         creation-time scans
//
// Time components are zero-padded to 20 digits so lexicographic iteration
// follows numeric order.
package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blocktimefinancial/refractor-sub000/storage"
)

const (
	txPrefix     = "tx-"
	statusPrefix = "idx-s-"
	expiryPrefix = "idx-x-"
	createPrefix = "idx-c-"
)

// Database is a goleveldb-backed provider. A process-level mutex serializes
// read-modify-write cycles; goleveldb itself has no transactions narrow
// enough for the CAS.
type Database struct {
	db  *leveldb.DB
	mu  sync.Mutex
	now func() int64
	log log.Logger
}

// New opens (or creates) the database at path.
func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &Database{
		db:  db,
		now: func() int64 { return time.Now().Unix() },
		log: log.New("database", path),
	}, nil
}

func txKey(hash string) []byte { return []byte(txPrefix + hash) }

func statusKey(r *storage.TransactionRecord) []byte {
	return []byte(fmt.Sprintf("%s%s-%020d-%s", statusPrefix, r.Status, r.MinTime, r.Hash))
}

func expiryKey(r *storage.TransactionRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d-%s", expiryPrefix, r.MaxTime, r.Hash))
}

func createKey(r *storage.TransactionRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d-%s", createPrefix, r.CreatedAt, r.Hash))
}

func (d *Database) get(hash string) (*storage.TransactionRecord, error) {
	raw, err := d.db.Get(txKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := new(storage.TransactionRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrBadRecord, err)
	}
	return rec, nil
}

// write persists rec and swaps its index entries in one batch.
func (d *Database) write(rec, old *storage.TransactionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	if old != nil {
		batch.Delete(statusKey(old))
		if old.MaxTime != 0 {
			batch.Delete(expiryKey(old))
		}
		if old.CreatedAt != rec.CreatedAt {
			batch.Delete(createKey(old))
		}
	}
	batch.Put(txKey(rec.Hash), raw)
	batch.Put(statusKey(rec), nil)
	if rec.MaxTime != 0 {
		batch.Put(expiryKey(rec), nil)
	}
	batch.Put(createKey(rec), nil)
	return d.db.Write(batch, nil)
}

func (d *Database) FindTransaction(ctx context.Context, hash string) (*storage.TransactionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := d.get(hash)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Database) SaveTransaction(ctx context.Context, rec *storage.TransactionRecord) (*storage.TransactionRecord, error) {
	if rec == nil || rec.Hash == "" {
		return nil, storage.ErrBadRecord
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	stored, err := d.get(rec.Hash)
	if err == storage.ErrNotFound {
		fresh := rec.Clone()
		if fresh.Status == "" {
			fresh.Status = storage.StatusPending
		}
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		if err := d.write(fresh, nil); err != nil {
			return nil, err
		}
		return fresh.Clone(), nil
	}
	if err != nil {
		return nil, err
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

	old := stored.Clone()
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
	if err := d.write(stored, old); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (d *Database) UpdateTransaction(ctx context.Context, hash string, patch storage.Patch, expected storage.Status) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := d.get(hash)
	if err != nil {
		return false, err
	}
	if rec.Status != expected {
		return false, nil
	}
	old := rec.Clone()
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
	rec.UpdatedAt = d.now()
	if err := d.write(rec, old); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) ListTransactions(ctx context.Context, f storage.Filter) ([]*storage.TransactionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := createPrefix
	if f.Status != "" {
		prefix = statusPrefix + string(f.Status) + "-"
	}
	iter := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []*storage.TransactionRecord
	for iter.Next() {
		key := string(iter.Key())
		hash := key[strings.LastIndexByte(key, '-')+1:]
		rec, err := d.get(hash)
		if err != nil {
			d.log.Warn("Dangling index entry", "key", key, "err", err)
			continue
		}
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, iter.Error()
}

func (d *Database) CleanupExpired(ctx context.Context, now int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Expiry keys sort by maxTime, so the scan stops at now.
	limit := []byte(fmt.Sprintf("%s%020d-", expiryPrefix, now+1))
	iter := d.db.NewIterator(&util.Range{Start: []byte(expiryPrefix), Limit: limit}, nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		key := string(iter.Key())
		hash := key[strings.LastIndexByte(key, '-')+1:]
		rec, err := d.get(hash)
		if err != nil {
			continue
		}
		if rec.Status != storage.StatusPending && rec.Status != storage.StatusReady {
			continue
		}
		old := rec.Clone()
		rec.Status = storage.StatusFailed
		rec.LastError = "expired"
		rec.UpdatedAt = d.now()
		if err := d.write(rec, old); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		d.log.Info("Expired transactions failed", "count", count)
	}
	return count, iter.Error()
}

func (d *Database) HealthCheck(ctx context.Context) storage.Health {
	start := time.Now()
	_, err := d.db.Get([]byte("health-probe"), nil)
	h := storage.Health{
		Connected: err == nil || err == leveldb.ErrNotFound,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil && err != leveldb.ErrNotFound {
		h.Error = err.Error()
	}
	return h
}

func (d *Database) Stats(ctx context.Context) (map[storage.Status]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := make(map[storage.Status]int)
	iter := d.db.NewIterator(util.BytesPrefix([]byte(statusPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := string(iter.Key())[len(statusPrefix):]
		status, _, ok := strings.Cut(rest, "-")
		if !ok {
			continue
		}
		stats[storage.Status(status)]++
	}
	return stats, iter.Error()
}

func (d *Database) Close() error {
	return d.db.Close()
}
