package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/request"
	"github.com/blocktimefinancial/refractor-sub000/storage"
	"github.com/blocktimefinancial/refractor-sub000/storage/memorydb"
)

// fakeHandler speaks a toy format: "id|K1:sig|K2:sig". The hash is derived
// from the id, a signature for key K verifies iff its bytes are "ok-K", and
// feasibility is a plain signer-count threshold.
type fakeHandler struct {
	signers     []string
	threshold   int
	discoverErr error
	feasErr     error
}

type fakeTx struct {
	id   string
	sigs []chain.SignaturePair
}

func (f *fakeHandler) Blockchain() string { return "fake" }

func (f *fakeHandler) ParseTransaction(payload, encoding, network string) (*chain.TxObject, error) {
	parts := strings.Split(payload, "|")
	if parts[0] == "" {
		return nil, chain.ErrInvalidInput
	}
	tx := &fakeTx{id: parts[0]}
	for _, p := range parts[1:] {
		signer, sig, ok := strings.Cut(p, ":")
		if !ok {
			return nil, chain.ErrInvalidInput
		}
		tx.sigs = append(tx.sigs, chain.SignaturePair{Signer: signer, Signature: []byte(sig)})
	}
	return &chain.TxObject{Kind: "fake", Data: tx}, nil
}

func (f *fakeHandler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	t := tx.Data.(*fakeTx)
	id := t.id
	// Distinct ids sharing the "collide" prefix map to one hash.
	if strings.HasPrefix(id, "collide") {
		id = "collide"
	}
	return "h-" + id, []byte("h-" + id), nil
}

func (f *fakeHandler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSignature, error) {
	t := tx.Data.(*fakeTx)
	var out []chain.RawSignature
	for _, s := range t.sigs {
		out = append(out, chain.RawSignature{Hint: []byte(s.Signer), Signature: s.Signature})
	}
	return out, nil
}

func (f *fakeHandler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	t := tx.Data.(*fakeTx)
	return &chain.TxObject{Kind: "fake", Data: &fakeTx{id: t.id}}, nil
}

func (f *fakeHandler) VerifySignature(signer string, sig, message []byte) bool {
	return string(sig) == "ok-"+signer
}

func (f *fakeHandler) AddSignature(tx *chain.TxObject, signer string, sig []byte) (*chain.TxObject, error) {
	t := tx.Data.(*fakeTx)
	next := &fakeTx{id: t.id, sigs: append(append([]chain.SignaturePair(nil), t.sigs...), chain.SignaturePair{Signer: signer, Signature: sig})}
	return &chain.TxObject{Kind: "fake", Data: next}, nil
}

func (f *fakeHandler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	t := tx.Data.(*fakeTx)
	parts := []string{t.id}
	for _, s := range t.sigs {
		parts = append(parts, s.Signer+":"+string(s.Signature))
	}
	return strings.Join(parts, "|"), nil
}

func (f *fakeHandler) PotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.signers, nil
}

func (f *fakeHandler) MatchSignature(raw chain.RawSignature, candidates []string, hash []byte) chain.MatchResult {
	signer := string(raw.Hint)
	for _, c := range candidates {
		if c == signer && f.VerifySignature(signer, raw.Signature, hash) {
			return chain.MatchResult{Matched: true, Signer: signer, Signature: raw.Signature}
		}
	}
	return chain.MatchResult{Masked: "mask:" + signer, Signature: raw.Signature}
}

func (f *fakeHandler) ValidPublicKey(key string) bool { return strings.HasPrefix(key, "K") }

func (f *fakeHandler) TransactionParams(tx *chain.TxObject, req *request.Normalized) (*chain.TxParams, error) {
	p := &chain.TxParams{MaxTime: req.MaxTime}
	for _, s := range req.DesiredSigners {
		if !f.ValidPublicKey(s) {
			return nil, chain.ErrInvalidInput
		}
		p.DesiredSigners = append(p.DesiredSigners, s)
	}
	return p, nil
}

func (f *fakeHandler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, network string, signedKeys []string) (bool, error) {
	if f.feasErr != nil {
		return false, f.feasErr
	}
	return len(signedKeys) >= f.threshold, nil
}

type env struct {
	engine  *Engine
	store   *memorydb.Database
	handler *fakeHandler
	ready   []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   memorydb.New(),
		handler: &fakeHandler{signers: []string{"K1", "K2"}, threshold: 2},
	}
	reg := chain.NewRegistry()
	reg.MustRegister(func() (chain.Handler, error) { return e.handler, nil })
	engine, err := New(reg, e.store, func(hash string) { e.ready = append(e.ready, hash) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.engine = engine
	return e
}

func req(payload string) *request.Normalized {
	return &request.Normalized{
		Blockchain:  "fake",
		NetworkName: "testnet",
		Payload:     payload,
		Encoding:    "base64",
	}
}

func TestSubmitCreatesPending(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Submit(context.Background(), req("tx1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Created || res.Record.Status != storage.StatusPending || len(res.Record.Signatures) != 0 {
		t.Errorf("result: created=%v record=%+v", res.Created, res.Record)
	}
	if len(res.Record.Changes.Accepted) != 0 || len(res.Record.Changes.Rejected) != 0 {
		t.Errorf("changes: %+v", res.Record.Changes)
	}
	if len(e.ready) != 0 {
		t.Errorf("ready fired early: %v", e.ready)
	}
}

func TestMultiSigThresholdFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.engine.Submit(ctx, req("tx1")); err != nil {
		t.Fatalf("unsigned: %v", err)
	}

	res, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1"))
	if err != nil {
		t.Fatalf("first signature: %v", err)
	}
	if res.Created || res.Record.Status != storage.StatusPending {
		t.Errorf("after K1: %+v", res.Record)
	}
	if len(res.Record.Changes.Accepted) != 1 || res.Record.Changes.Accepted[0] != "K1" {
		t.Errorf("accepted: %v", res.Record.Changes.Accepted)
	}

	res, err = e.engine.Submit(ctx, req("tx1|K2:ok-K2"))
	if err != nil {
		t.Fatalf("second signature: %v", err)
	}
	if res.Record.Status != storage.StatusReady {
		t.Errorf("after K2: status %s", res.Record.Status)
	}
	if len(res.Record.Signatures) != 2 {
		t.Errorf("signatures: %v", res.Record.Signatures)
	}
	// The stored payload stays unsigned; signatures travel separately.
	if res.Record.Payload != "tx1" {
		t.Errorf("payload: %s", res.Record.Payload)
	}
	if len(e.ready) != 1 || e.ready[0] != "h-tx1" {
		t.Errorf("ready trigger: %v", e.ready)
	}
}

func TestDuplicateSignerDeduplicated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if len(res.Record.Signatures) != 1 {
		t.Errorf("signatures: %v", res.Record.Signatures)
	}
	if len(res.Record.Changes.Accepted) != 0 || len(res.Record.Changes.Rejected) != 0 {
		t.Errorf("duplicate not silent: %+v", res.Record.Changes)
	}
}

func TestUnknownSignerRejected(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Submit(context.Background(), req("tx1|K9:ok-K9"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Record.Signatures) != 0 {
		t.Errorf("signatures: %v", res.Record.Signatures)
	}
	rej := res.Record.Changes.Rejected
	if len(rej) != 1 || rej[0].Signer != "mask:K9" {
		t.Errorf("rejected: %+v", rej)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	e := newEnv(t)
	res, err := e.engine.Submit(context.Background(), req("tx1|K1:garbage"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Record.Signatures) != 0 || len(res.Record.Changes.Rejected) != 1 {
		t.Errorf("record: %+v changes %+v", res.Record.Signatures, res.Record.Changes)
	}
}

func TestDesiredSignersRestrict(t *testing.T) {
	e := newEnv(t)
	r := req("tx1|K2:ok-K2")
	r.DesiredSigners = []string{"K1"}
	res, err := e.engine.Submit(context.Background(), r)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// K2 is a valid account signer but was not requested.
	if len(res.Record.Signatures) != 0 || len(res.Record.Changes.Rejected) != 1 {
		t.Errorf("restriction failed: %+v %+v", res.Record.Signatures, res.Record.Changes)
	}
}

func TestHashCollisionDetected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.engine.Submit(ctx, req("collideA")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.engine.Submit(ctx, req("collideB")); !errors.Is(err, ErrHashCollision) {
		t.Errorf("want ErrHashCollision, got %v", err)
	}
	// The original record survives untouched.
	rec, err := e.store.FindTransaction(ctx, "h-collide")
	if err != nil || rec.Payload != "collideA" {
		t.Errorf("stored record: %+v err %v", rec, err)
	}
}

func TestExpiredRejected(t *testing.T) {
	e := newEnv(t)
	r := req("tx1")
	r.MaxTime = 1000 // long past
	if _, err := e.engine.Submit(context.Background(), r); !errors.Is(err, ErrExpired) {
		t.Errorf("want ErrExpired, got %v", err)
	}
	if _, err := e.store.FindTransaction(context.Background(), "h-tx1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expired submission created a record")
	}
}

func TestTransientFeasibilityStaysPending(t *testing.T) {
	e := newEnv(t)
	e.handler.threshold = 1
	e.handler.feasErr = fmt.Errorf("%w: horizon down", chain.ErrTransientBackend)
	res, err := e.engine.Submit(context.Background(), req("tx1|K1:ok-K1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Record.Status != storage.StatusPending {
		t.Errorf("status: %s", res.Record.Status)
	}
	if len(res.Record.Signatures) != 1 {
		t.Error("signature lost on transient feasibility failure")
	}
}

func TestUnimplementedBlockchain(t *testing.T) {
	e := newEnv(t)
	r := req("tx1")
	r.Blockchain = "solana"
	if _, err := e.engine.Submit(context.Background(), r); !errors.Is(err, chain.ErrUnimplemented) {
		t.Errorf("want ErrUnimplemented, got %v", err)
	}
}

// staleStore simulates a find/save race: FindTransaction reports the record
// missing for a configured number of calls while SaveTransaction still merges
// into the real store.
type staleStore struct {
	*memorydb.Database
	misses int
}

func (s *staleStore) FindTransaction(ctx context.Context, hash string) (*storage.TransactionRecord, error) {
	if s.misses > 0 {
		s.misses--
		return nil, storage.ErrNotFound
	}
	return s.Database.FindTransaction(ctx, hash)
}

func TestConcurrentSubmissionsKeepAllSignatures(t *testing.T) {
	stale := &staleStore{Database: memorydb.New()}
	handler := &fakeHandler{signers: []string{"K1", "K2"}, threshold: 2}
	reg := chain.NewRegistry()
	reg.MustRegister(func() (chain.Handler, error) { return handler, nil })
	engine, err := New(reg, stale, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := engine.Submit(ctx, req("tx1|K1:ok-K1")); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	// The second submission reads before the first one's save landed.
	stale.misses = 1
	res, err := engine.Submit(ctx, req("tx1|K2:ok-K2"))
	if err != nil {
		t.Fatalf("racing signature: %v", err)
	}
	keys := res.Record.SignerKeys()
	if len(keys) != 2 || keys[0] != "K1" || keys[1] != "K2" {
		t.Errorf("signatures after race: %v", keys)
	}
	if res.Record.Payload != "tx1" {
		t.Errorf("payload after race: %s", res.Record.Payload)
	}
}

func TestSettledRecordRejectsNewSignatures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.store.SaveTransaction(ctx, &storage.TransactionRecord{
		Hash:        "h-tx1",
		Blockchain:  "fake",
		NetworkName: "testnet",
		Payload:     "tx1",
		Encoding:    "base64",
		Status:      storage.StatusFailed,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Created || res.Record.Status != storage.StatusFailed {
		t.Errorf("result: created=%v status=%s", res.Created, res.Record.Status)
	}
	if len(res.Record.Changes.Accepted) != 0 || len(res.Record.Changes.Rejected) != 0 {
		t.Errorf("changes claimed against settled record: %+v", res.Record.Changes)
	}
	rec, err := e.store.FindTransaction(ctx, "h-tx1")
	if err != nil || len(rec.Signatures) != 0 || rec.Payload != "tx1" {
		t.Errorf("stored record mutated: %+v err %v", rec, err)
	}
	if len(e.ready) != 0 {
		t.Errorf("ready fired for settled record: %v", e.ready)
	}
}

func TestReadyFiresOnce(t *testing.T) {
	e := newEnv(t)
	e.handler.threshold = 1
	ctx := context.Background()
	if _, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Another duplicate submission must not re-trigger the finalizer.
	if _, err := e.engine.Submit(ctx, req("tx1|K1:ok-K1")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if len(e.ready) != 1 {
		t.Errorf("ready fired %d times", len(e.ready))
	}
}
