// Package signer implements the aggregation engine: every submission runs
// parse → hash → load-or-create → signer discovery → signature matching →
// additive merge → feasibility, and persists the outcome. The engine is the
// only writer of the pending→ready transition.
package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/request"
	"github.com/blocktimefinancial/refractor-sub000/storage"
)

const signerCacheSize = 1024

var (
	// ErrHashCollision marks a submission whose hash matches a stored record
	// with different identity fields. Client bug, reported as a conflict.
	ErrHashCollision = errors.New("signer: hash collision with existing record")
	// ErrExpired rejects submissions whose maxTime already passed.
	ErrExpired = errors.New("signer: transaction expired")
)

// Result is the outcome of one submission.
type Result struct {
	Record  *storage.TransactionRecord
	Created bool
}

// Engine binds the handler registry to the store. onReady, when set, is
// called with the hash of every record the engine flips to ready.
type Engine struct {
	registry *chain.Registry
	store    storage.Provider
	onReady  func(hash string)
	signers  *lru.Cache // hash → []string, discovery result
	now      func() int64
	log      log.Logger
}

// New builds an engine.
func New(registry *chain.Registry, store storage.Provider, onReady func(hash string)) (*Engine, error) {
	cache, err := lru.New(signerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		registry: registry,
		store:    store,
		onReady:  onReady,
		signers:  cache,
		now:      func() int64 { return time.Now().Unix() },
		log:      log.New("module", "signer"),
	}, nil
}

// Submit processes one normalized submission and returns the stored record
// with this call's accepted/rejected deltas attached.
func (e *Engine) Submit(ctx context.Context, req *request.Normalized) (*Result, error) {
	handler, err := e.registry.Handler(req.Blockchain)
	if err != nil {
		return nil, err
	}
	tx, err := handler.ParseTransaction(req.Payload, req.Encoding, req.NetworkName)
	if err != nil {
		return nil, err
	}
	hash, rawHash, err := handler.ComputeHash(tx)
	if err != nil {
		return nil, err
	}
	params, err := handler.TransactionParams(tx, req)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if params.MaxTime != 0 && params.MaxTime <= now {
		return nil, fmt.Errorf("%w: maxTime %d has passed", ErrExpired, params.MaxTime)
	}

	existing, err := e.store.FindTransaction(ctx, hash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	created := existing == nil
	if existing != nil {
		if err := e.checkCollision(handler, tx, req, existing); err != nil {
			return nil, err
		}
		if existing.Status.Terminal() {
			// Settled transactions accept no further signatures.
			existing.Changes = &storage.Changes{Accepted: []string{}, Rejected: []storage.RejectedSignature{}}
			return &Result{Record: existing, Created: false}, nil
		}
	}

	candidates, err := e.potentialSigners(ctx, handler, tx, hash, req.NetworkName)
	if err != nil {
		return nil, err
	}
	if len(params.DesiredSigners) > 0 {
		desired := mapset.NewSet(params.DesiredSigners...)
		var filtered []string
		for _, c := range candidates {
			if desired.Contains(c) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	changes := &storage.Changes{Accepted: []string{}, Rejected: []storage.RejectedSignature{}}
	var accepted []chain.SignaturePair
	raws, err := handler.ExtractSignatures(tx)
	if err != nil {
		return nil, err
	}
	haveSigner := func(key string) bool {
		if existing != nil && existing.HasSigner(key) {
			return true
		}
		for _, p := range accepted {
			if p.Signer == key {
				return true
			}
		}
		return false
	}
	for _, raw := range raws {
		m := handler.MatchSignature(raw, candidates, rawHash)
		if !m.Matched {
			changes.Rejected = append(changes.Rejected, storage.RejectedSignature{
				Signer: m.Masked,
				Reason: "no matching signer",
			})
			continue
		}
		if haveSigner(m.Signer) {
			// Same key twice is silently deduplicated.
			continue
		}
		accepted = append(accepted, chain.SignaturePair{Signer: m.Signer, Signature: m.Signature})
		changes.Accepted = append(changes.Accepted, m.Signer)
	}

	var allPairs []chain.SignaturePair
	if existing != nil {
		allPairs = append(allPairs, existing.Signatures...)
	}
	allPairs = append(allPairs, accepted...)

	// The stored payload is always the unsigned serialization; signatures
	// live in the signatures array and are re-attached at submission time.
	payload, err := e.clearedPayload(handler, tx, req.Encoding)
	if err != nil {
		return nil, err
	}

	signedKeys := make([]string, 0, len(allPairs))
	for _, p := range allPairs {
		signedKeys = append(signedKeys, p.Signer)
	}
	feasible := false
	if len(signedKeys) > 0 {
		feasible, err = handler.CheckFeasibility(ctx, tx, req.NetworkName, signedKeys)
		if err != nil {
			if !errors.Is(err, chain.ErrTransientBackend) {
				return nil, err
			}
			// Schema source down: stay pending, the next submission retries.
			e.log.Warn("Feasibility check unavailable", "hash", hash, "err", err)
		}
	}

	rec := &storage.TransactionRecord{
		Hash:           hash,
		Blockchain:     req.Blockchain,
		NetworkName:    req.NetworkName,
		Payload:        payload,
		Encoding:       req.Encoding,
		TxURI:          req.TxURI,
		Signatures:     allPairs,
		DesiredSigners: params.DesiredSigners,
		Submit:         req.Submit,
		CallbackURL:    req.CallbackURL,
		MinTime:        params.MinTime,
		MaxTime:        params.MaxTime,
	}
	wasReady := existing != nil && existing.Status != storage.StatusPending
	if existing != nil {
		rec.Status = existing.Status
	} else {
		rec.Status = storage.StatusPending
	}
	if feasible && rec.Status == storage.StatusPending {
		rec.Status = storage.StatusReady
	}

	saved, err := e.store.SaveTransaction(ctx, rec)
	if err != nil {
		return nil, err
	}
	saved.Changes = changes

	if saved.Status == storage.StatusReady && !wasReady && e.onReady != nil {
		e.onReady(saved.Hash)
	}
	e.log.Info("Submission processed", "hash", hash, "blockchain", req.Blockchain,
		"accepted", len(changes.Accepted), "rejected", len(changes.Rejected),
		"status", saved.Status, "created", created)
	return &Result{Record: saved, Created: created}, nil
}

// checkCollision re-derives the unsigned form of the incoming transaction
// and compares it, plus the identity fields, with the stored record. A
// mismatch on the same hash means two different transactions collided.
func (e *Engine) checkCollision(handler chain.Handler, tx *chain.TxObject, req *request.Normalized, existing *storage.TransactionRecord) error {
	if existing.Blockchain != req.Blockchain ||
		existing.NetworkName != req.NetworkName ||
		existing.Encoding != req.Encoding {
		return fmt.Errorf("%w: identity fields differ", ErrHashCollision)
	}
	inCleared, err := e.clearedPayload(handler, tx, req.Encoding)
	if err != nil {
		return err
	}
	storedTx, err := handler.ParseTransaction(existing.Payload, existing.Encoding, existing.NetworkName)
	if err != nil {
		return err
	}
	storedCleared, err := e.clearedPayload(handler, storedTx, existing.Encoding)
	if err != nil {
		return err
	}
	if inCleared != storedCleared {
		return fmt.Errorf("%w: payload differs for hash %s", ErrHashCollision, existing.Hash)
	}
	return nil
}

func (e *Engine) clearedPayload(handler chain.Handler, tx *chain.TxObject, encoding string) (string, error) {
	cleared, err := handler.ClearSignatures(tx)
	if err != nil {
		return "", err
	}
	return handler.SerializeTransaction(cleared, encoding)
}

// potentialSigners caches discovery per hash; discovery hits the network for
// chains with on-ledger schemas.
func (e *Engine) potentialSigners(ctx context.Context, handler chain.Handler, tx *chain.TxObject, hash, network string) ([]string, error) {
	if v, ok := e.signers.Get(hash); ok {
		return v.([]string), nil
	}
	signers, err := handler.PotentialSigners(ctx, tx, network)
	if err != nil {
		return nil, err
	}
	e.signers.Add(hash, signers)
	return signers, nil
}
