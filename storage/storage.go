// Package storage defines the transaction record, its lifecycle rules and
// the provider interface backends implement.
//
// The concurrency discipline is optimistic: SaveTransaction merges
// signatures additively and UpdateTransaction is a compare-and-swap on
// status. Backends never take cross-process locks.
package storage

import (
	"context"
	"errors"

	"github.com/blocktimefinancial/refractor-sub000/chain"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// statusRank orders the lifecycle DAG. Transitions never lower the rank;
// processed and failed are both terminal.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusReady:      1,
	StatusProcessing: 2,
	StatusProcessed:  3,
	StatusFailed:     3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransition reports whether from → to respects the lifecycle DAG.
// Same-status writes are allowed; demotions are not, and nothing leaves a
// terminal state.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return tr > fr
}

var (
	ErrNotFound       = errors.New("storage: transaction not found")
	ErrImmutableField = errors.New("storage: immutable field changed")
	ErrStatusDemotion = errors.New("storage: status demotion refused")
	ErrBadRecord      = errors.New("storage: malformed record")
	ErrClosed         = errors.New("storage: provider closed")
)

// RejectedSignature describes one signature turned away during a submission,
// identified only by its masked signer hint.
type RejectedSignature struct {
	Signer string `json:"signer"`
	Reason string `json:"reason"`
}

// Changes carries the per-submission deltas. It is transient: set on the
// copy returned to the submitter, never persisted.
type Changes struct {
	Accepted []string            `json:"accepted"`
	Rejected []RejectedSignature `json:"rejected"`
}

// TransactionRecord is the stored form of a pending transaction. JSON tags
// define the wire shape returned by the API and posted to callbacks.
type TransactionRecord struct {
	Hash           string                `json:"hash"`
	Blockchain     string                `json:"blockchain"`
	NetworkName    string                `json:"networkName"`
	Payload        string                `json:"payload"`
	Encoding       string                `json:"encoding"`
	TxURI          string                `json:"txUri,omitempty"`
	Signatures     []chain.SignaturePair `json:"signatures"`
	DesiredSigners []string              `json:"desiredSigners,omitempty"`
	Submit         bool                  `json:"submit"`
	CallbackURL    string                `json:"callbackUrl,omitempty"`
	MinTime        int64                 `json:"minTime,omitempty"`
	MaxTime        int64                 `json:"maxTime,omitempty"`
	Status         Status                `json:"status"`
	SubmittedAt    int64                 `json:"submittedAt,omitempty"`
	RetryCount     int                   `json:"retryCount"`
	LastError      string                `json:"lastError,omitempty"`
	CreatedAt      int64                 `json:"createdAt"`
	UpdatedAt      int64                 `json:"updatedAt"`

	// Legacy Stellar echo, filled by the API and callback layers.
	LegacyXDR     string `json:"xdr,omitempty"`
	LegacyNetwork *int   `json:"network,omitempty"`

	// Per-submission deltas, set on returned copies only.
	Changes *Changes `json:"changes,omitempty"`
}

// Clone returns a deep copy of r.
func (r *TransactionRecord) Clone() *TransactionRecord {
	c := *r
	c.Signatures = make([]chain.SignaturePair, len(r.Signatures))
	for i, s := range r.Signatures {
		c.Signatures[i] = chain.SignaturePair{
			Signer:    s.Signer,
			Signature: append([]byte(nil), s.Signature...),
		}
	}
	c.DesiredSigners = append([]string(nil), r.DesiredSigners...)
	c.Changes = nil
	return &c
}

// HasSigner reports whether a signature by key is already recorded.
func (r *TransactionRecord) HasSigner(key string) bool {
	for _, s := range r.Signatures {
		if s.Signer == key {
			return true
		}
	}
	return false
}

// SignerKeys lists the recorded signer keys in insertion order.
func (r *TransactionRecord) SignerKeys() []string {
	keys := make([]string, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		keys = append(keys, s.Signer)
	}
	return keys
}

// Patch is a partial update applied under a status CAS. Zero-valued fields
// are left untouched; LastError is only ever set, never cleared.
type Patch struct {
	Status      Status
	SubmittedAt int64
	LastError   string
	RetryDelta  int
}

// Filter selects records for listing. Zero values mean "no constraint".
type Filter struct {
	Status     Status
	MinTimeLTE int64 // records whose minTime ≤ this (0 minTime always passes)
	MaxTimeGT  int64 // records whose maxTime is 0 or > this
	Limit      int
}

// Match applies f to one record.
func (f *Filter) Match(r *TransactionRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.MinTimeLTE != 0 && r.MinTime > f.MinTimeLTE {
		return false
	}
	if f.MaxTimeGT != 0 && r.MaxTime != 0 && r.MaxTime <= f.MaxTimeGT {
		return false
	}
	return true
}

// Health is the result of a provider liveness probe.
type Health struct {
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Provider is the persistence interface. Implementations must make
// SaveTransaction an additive upsert and UpdateTransaction a CAS, per the
// record invariants.
type Provider interface {
	// FindTransaction returns the record for hash or ErrNotFound.
	FindTransaction(ctx context.Context, hash string) (*TransactionRecord, error)

	// SaveTransaction upserts keyed by hash: it merges signatures
	// additively, refuses immutable-field changes and refuses status
	// demotion. The stored result is returned.
	SaveTransaction(ctx context.Context, rec *TransactionRecord) (*TransactionRecord, error)

	// UpdateTransaction applies patch iff the record's status equals
	// expected. It reports whether the swap happened.
	UpdateTransaction(ctx context.Context, hash string, patch Patch, expected Status) (bool, error)

	// ListTransactions returns records matching f, oldest first by minTime.
	ListTransactions(ctx context.Context, f Filter) ([]*TransactionRecord, error)

	// CleanupExpired fails every non-terminal record whose maxTime is set
	// and ≤ now, and returns how many it moved.
	CleanupExpired(ctx context.Context, now int64) (int, error)

	// HealthCheck probes the backend and measures latency.
	HealthCheck(ctx context.Context) Health

	// Stats counts records by status.
	Stats(ctx context.Context) (map[Status]int, error)

	Close() error
}

// UpdateStatus is the common status-flip shorthand: failure paths carry an
// error message and bump the retry counter.
func UpdateStatus(ctx context.Context, p Provider, hash string, to, from Status, lastErr string) (bool, error) {
	patch := Patch{Status: to, LastError: lastErr}
	if lastErr != "" {
		patch.RetryDelta = 1
	}
	return p.UpdateTransaction(ctx, hash, patch, from)
}

// MergeSignatures unions have and add by signer key, preserving insertion
// order, and reports the keys actually appended. Shared by backends so the
// additive-merge rule lives in one place.
func MergeSignatures(have, add []chain.SignaturePair) ([]chain.SignaturePair, []string) {
	out := append([]chain.SignaturePair(nil), have...)
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s.Signer] = true
	}
	var appended []string
	for _, s := range add {
		if seen[s.Signer] {
			continue
		}
		seen[s.Signer] = true
		out = append(out, chain.SignaturePair{
			Signer:    s.Signer,
			Signature: append([]byte(nil), s.Signature...),
		})
		appended = append(appended, s.Signer)
	}
	return out, appended
}

// CheckImmutable verifies that an update keeps the identity fields of the
// stored record.
func CheckImmutable(stored, incoming *TransactionRecord) error {
	switch {
	case incoming.Hash != stored.Hash:
		return ErrImmutableField
	case incoming.Blockchain != stored.Blockchain:
		return ErrImmutableField
	case incoming.NetworkName != stored.NetworkName:
		return ErrImmutableField
	case incoming.Encoding != stored.Encoding:
		return ErrImmutableField
	}
	return nil
}
