package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/request"
	"github.com/blocktimefinancial/refractor-sub000/signer"
	"github.com/blocktimefinancial/refractor-sub000/storage"
	"github.com/blocktimefinancial/refractor-sub000/storage/memorydb"
)

// stubHandler serves the stellar slot with a toy payload: base64 of
// "id|K1:sig|K2:sig". A signature for key K verifies iff it reads "ok-K".
type stubHandler struct {
	signers   []string
	threshold int
}

type stubTx struct {
	id   string
	sigs []chain.SignaturePair
}

func (h *stubHandler) Blockchain() string { return "stellar" }

func (h *stubHandler) ParseTransaction(payload, encoding, network string) (*chain.TxObject, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, chain.ErrInvalidInput
	}
	parts := strings.Split(string(raw), "|")
	if parts[0] == "" {
		return nil, chain.ErrInvalidInput
	}
	tx := &stubTx{id: parts[0]}
	for _, p := range parts[1:] {
		key, sig, ok := strings.Cut(p, ":")
		if !ok {
			return nil, chain.ErrInvalidInput
		}
		tx.sigs = append(tx.sigs, chain.SignaturePair{Signer: key, Signature: []byte(sig)})
	}
	return &chain.TxObject{Kind: chain.KindStellar, Data: tx}, nil
}

func (h *stubHandler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	t := tx.Data.(*stubTx)
	id := t.id
	if strings.HasPrefix(id, "collide") {
		id = "collide"
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:]), sum[:], nil
}

func (h *stubHandler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSignature, error) {
	t := tx.Data.(*stubTx)
	var out []chain.RawSignature
	for _, s := range t.sigs {
		out = append(out, chain.RawSignature{Hint: []byte(s.Signer), Signature: s.Signature})
	}
	return out, nil
}

func (h *stubHandler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	t := tx.Data.(*stubTx)
	return &chain.TxObject{Kind: chain.KindStellar, Data: &stubTx{id: t.id}}, nil
}

func (h *stubHandler) VerifySignature(signer string, sig, message []byte) bool {
	return string(sig) == "ok-"+signer
}

func (h *stubHandler) AddSignature(tx *chain.TxObject, signer string, sig []byte) (*chain.TxObject, error) {
	t := tx.Data.(*stubTx)
	next := &stubTx{id: t.id, sigs: append(append([]chain.SignaturePair(nil), t.sigs...), chain.SignaturePair{Signer: signer, Signature: sig})}
	return &chain.TxObject{Kind: chain.KindStellar, Data: next}, nil
}

func (h *stubHandler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	t := tx.Data.(*stubTx)
	parts := []string{t.id}
	for _, s := range t.sigs {
		parts = append(parts, s.Signer+":"+string(s.Signature))
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, "|"))), nil
}

func (h *stubHandler) PotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	return h.signers, nil
}

func (h *stubHandler) MatchSignature(raw chain.RawSignature, candidates []string, hash []byte) chain.MatchResult {
	key := string(raw.Hint)
	for _, c := range candidates {
		if c == key && h.VerifySignature(key, raw.Signature, hash) {
			return chain.MatchResult{Matched: true, Signer: key, Signature: raw.Signature}
		}
	}
	return chain.MatchResult{Masked: "mask:" + key, Signature: raw.Signature}
}

func (h *stubHandler) ValidPublicKey(key string) bool { return strings.HasPrefix(key, "K") }

func (h *stubHandler) TransactionParams(tx *chain.TxObject, req *request.Normalized) (*chain.TxParams, error) {
	p := &chain.TxParams{MaxTime: req.MaxTime}
	for _, s := range req.DesiredSigners {
		if !h.ValidPublicKey(s) {
			return nil, chain.ErrInvalidInput
		}
		p.DesiredSigners = append(p.DesiredSigners, s)
	}
	return p, nil
}

func (h *stubHandler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, network string, signedKeys []string) (bool, error) {
	return len(signedKeys) >= h.threshold, nil
}

func payload(toy string) string {
	return base64.StdEncoding.EncodeToString([]byte(toy))
}

func hashOf(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

type testAPI struct {
	store  *memorydb.Database
	queue  *queue.Queue
	server *httptest.Server
}

func newAPI(t *testing.T, adminKey string) *testAPI {
	t.Helper()
	a := &testAPI{store: memorydb.New()}
	a.queue = queue.New(queue.Config{
		Concurrency:     1,
		MinConcurrency:  1,
		MaxConcurrency:  2,
		RetryLimit:      1,
		RetryDelay:      time.Millisecond,
		MetricsInterval: time.Hour,
	})
	t.Cleanup(a.queue.Close)

	reg := chain.NewRegistry()
	reg.MustRegister(func() (chain.Handler, error) {
		return &stubHandler{signers: []string{"K1", "K2"}, threshold: 1}, nil
	})
	engine, err := signer.New(reg, a.store, nil)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	srv := NewServer(engine, a.store, a.queue, Config{AdminKey: adminKey})
	a.server = httptest.NewServer(srv.Handler())
	t.Cleanup(a.server.Close)
	return a
}

func (a *testAPI) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, a.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestSubmitCreateAndLookup(t *testing.T) {
	a := newAPI(t, "")
	body := map[string]any{
		"blockchain":  "stellar",
		"networkName": "testnet",
		"payload":     payload("tx1"),
		"encoding":    "base64",
	}

	resp, raw := a.post(t, "/tx", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d body %s", resp.StatusCode, raw)
	}
	var rec storage.TransactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Hash != hashOf("tx1") || rec.Status != storage.StatusPending {
		t.Errorf("record: %+v", rec)
	}
	// Stellar records echo the legacy fields; testnet maps to legacy id 1.
	if rec.LegacyXDR != payload("tx1") || rec.LegacyNetwork == nil || *rec.LegacyNetwork != 1 {
		t.Errorf("legacy echo: xdr=%q network=%v", rec.LegacyXDR, rec.LegacyNetwork)
	}

	// Resubmission of an existing record answers 200.
	resp, _ = a.post(t, "/tx", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("resubmit status: %d", resp.StatusCode)
	}

	resp, raw = a.get(t, "/tx/"+rec.Hash)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: %d", resp.StatusCode)
	}
	var got storage.TransactionRecord
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hash != rec.Hash || got.LegacyXDR == "" {
		t.Errorf("lookup record: %+v", got)
	}
}

func TestSubmitSignatureFlow(t *testing.T) {
	a := newAPI(t, "")
	resp, raw := a.post(t, "/tx", map[string]any{
		"blockchain":  "stellar",
		"networkName": "testnet",
		"payload":     payload("tx1|K1:ok-K1"),
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d body %s", resp.StatusCode, raw)
	}
	var rec storage.TransactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != storage.StatusReady {
		t.Errorf("status: %s", rec.Status)
	}
	if len(rec.Changes.Accepted) != 1 || rec.Changes.Accepted[0] != "K1" {
		t.Errorf("changes: %+v", rec.Changes)
	}
}

func TestSubmitValidation(t *testing.T) {
	a := newAPI(t, "")
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty", map[string]any{}, http.StatusBadRequest},
		{"ambiguous", map[string]any{
			"txUri": "web+stellar:tx?xdr=AAAA",
			"xdr":   "AAAA",
		}, http.StatusBadRequest},
		{"bad network", map[string]any{
			"blockchain":  "stellar",
			"networkName": "nonet",
			"payload":     payload("tx1"),
		}, http.StatusBadRequest},
		{"bad payload encoding", map[string]any{
			"blockchain":  "stellar",
			"networkName": "testnet",
			"payload":     "not-base64!!",
		}, http.StatusBadRequest},
		{"unimplemented chain", map[string]any{
			"blockchain":  "solana",
			"networkName": "mainnet",
			"payload":     payload("tx1"),
		}, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := a.post(t, "/tx", tc.body, nil)
			if resp.StatusCode != tc.want {
				t.Errorf("status: %d body %s", resp.StatusCode, raw)
			}
		})
	}
}

func TestSubmitHashCollision(t *testing.T) {
	a := newAPI(t, "")
	submit := func(toy string) int {
		resp, _ := a.post(t, "/tx", map[string]any{
			"blockchain":  "stellar",
			"networkName": "testnet",
			"payload":     payload(toy),
		}, nil)
		return resp.StatusCode
	}
	if got := submit("collideA"); got != http.StatusCreated {
		t.Fatalf("first: %d", got)
	}
	if got := submit("collideB"); got != http.StatusConflict {
		t.Errorf("second: %d", got)
	}
}

func TestGetValidation(t *testing.T) {
	a := newAPI(t, "")
	resp, _ := a.get(t, "/tx/nothex")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("short hash: %d", resp.StatusCode)
	}
	resp, _ = a.get(t, "/tx/"+strings.Repeat("ab", 32))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record: %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t, "")
	resp, raw := a.get(t, "/monitoring/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
		DB     struct {
			Connected bool `json:"connected"`
		} `json:"db"`
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || !health.DB.Connected {
		t.Errorf("health: %s", raw)
	}

	resp, raw = a.get(t, "/monitoring/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	var metrics struct {
		Queue queue.Stats `json:"queue"`
	}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if metrics.Queue.Concurrency != 1 {
		t.Errorf("metrics: %s", raw)
	}
}

func TestAdminAuth(t *testing.T) {
	a := newAPI(t, "secret")

	resp, _ := a.post(t, "/monitoring/queue/pause", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: %d", resp.StatusCode)
	}
	resp, _ = a.post(t, "/monitoring/queue/pause", nil, map[string]string{"X-Admin-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: %d", resp.StatusCode)
	}

	good := map[string]string{"X-Admin-Key": "secret"}
	resp, _ = a.post(t, "/monitoring/queue/pause", nil, good)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pause: %d", resp.StatusCode)
	}
	if !a.queue.Stats().Paused {
		t.Error("queue not paused")
	}
	resp, _ = a.post(t, "/monitoring/queue/resume", nil, good)
	if resp.StatusCode != http.StatusOK || a.queue.Stats().Paused {
		t.Errorf("resume: %d paused=%v", resp.StatusCode, a.queue.Stats().Paused)
	}

	resp, _ = a.post(t, "/monitoring/queue/concurrency", map[string]int{"concurrency": 2}, good)
	if resp.StatusCode != http.StatusOK || a.queue.Stats().Concurrency != 2 {
		t.Errorf("concurrency: %d got %d", resp.StatusCode, a.queue.Stats().Concurrency)
	}
	resp, _ = a.post(t, "/monitoring/queue/concurrency", map[string]int{"concurrency": 0}, good)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero concurrency: %d", resp.StatusCode)
	}

	resp, raw := a.post(t, "/monitoring/cleanup/expired", nil, good)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cleanup: %d body %s", resp.StatusCode, raw)
	}
}

func TestAdminDisabled(t *testing.T) {
	a := newAPI(t, "")
	resp, _ := a.post(t, "/monitoring/queue/pause", nil, map[string]string{"X-Admin-Key": "anything"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: %d", resp.StatusCode)
	}
}
