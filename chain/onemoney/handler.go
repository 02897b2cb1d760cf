// Package onemoney implements the chain handler for the 1Money network.
//
// A 1Money transaction travels as a base64-wrapped JSON envelope. The
// canonical hash is sha3-256 over a domain prefix and the envelope with its
// signature list stripped, so the hash is stable while signatures accumulate.
// Keys are hex-encoded ed25519 public keys and every signature in the
// envelope is already attributed to its key.
package onemoney

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/request"
)

// hashPrefix domain-separates transaction hashes from any other signed
// material on the network.
const hashPrefix = "ONEMONEY_TX"

// Operation is one action inside an envelope. Source may be empty, in which
// case the envelope source pays and signs for it.
type Operation struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Signature is an attributed envelope signature.
type Signature struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Envelope is the wire form of a 1Money transaction.
type Envelope struct {
	ChainID    uint64      `json:"chainId"`
	Nonce      uint64      `json:"nonce"`
	Source     string      `json:"source"`
	Operations []Operation `json:"operations"`
	ValidUntil int64       `json:"validUntil,omitempty"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// txData keeps the original encoded payload next to the decoded envelope so
// an untouched transaction re-serializes byte-exact.
type txData struct {
	env      *Envelope
	original string
	modified bool
}

type Handler struct{}

// NewFactory returns the registry factory for 1Money.
func NewFactory() chain.Factory {
	return func() (chain.Handler, error) { return &Handler{}, nil }
}

func (h *Handler) Blockchain() string { return "onemoney" }

func (h *Handler) ParseTransaction(payload, encoding, network string) (*chain.TxObject, error) {
	if encoding != params.EncodingBase64 {
		return nil, fmt.Errorf("%w: onemoney payloads are base64, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	net := params.Network("onemoney", network)
	if net == nil || net.ChainID == nil {
		return nil, fmt.Errorf("%w: unknown network onemoney:%s", chain.ErrInvalidInput, network)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	env := new(Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	if env.ChainID != net.ChainID.Uint64() {
		return nil, fmt.Errorf("%w: envelope chain id %d, network %s expects %s",
			chain.ErrInvalidInput, env.ChainID, network, net.ChainID)
	}
	if !validKey(env.Source) {
		return nil, fmt.Errorf("%w: bad source key", chain.ErrInvalidInput)
	}
	if len(env.Operations) == 0 {
		return nil, fmt.Errorf("%w: envelope carries no operations", chain.ErrInvalidInput)
	}
	for i, op := range env.Operations {
		if op.Source != "" && !validKey(op.Source) {
			return nil, fmt.Errorf("%w: bad source key on operation %d", chain.ErrInvalidInput, i)
		}
	}
	return &chain.TxObject{Kind: chain.KindOneMoney, Data: &txData{env: env, original: payload}}, nil
}

func (h *Handler) data(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != chain.KindOneMoney {
		return nil, chain.ErrWrongKind
	}
	d, ok := tx.Data.(*txData)
	if !ok {
		return nil, chain.ErrWrongKind
	}
	return d, nil
}

func (h *Handler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	d, err := h.data(tx)
	if err != nil {
		return "", nil, err
	}
	unsigned := *d.env
	unsigned.Signatures = nil
	body, err := json.Marshal(&unsigned)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	sum := sha3.Sum256(append([]byte(hashPrefix), body...))
	return hex.EncodeToString(sum[:]), sum[:], nil
}

func (h *Handler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSignature, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	sigs := make([]chain.RawSignature, 0, len(d.env.Signatures))
	for _, s := range d.env.Signatures {
		key, err := hex.DecodeString(s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: bad signature key", chain.ErrInvalidInput)
		}
		sig, err := hex.DecodeString(s.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: bad signature bytes", chain.ErrInvalidInput)
		}
		sigs = append(sigs, chain.RawSignature{Hint: key, Signature: sig})
	}
	return sigs, nil
}

func (h *Handler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	env := *d.env
	env.Signatures = nil
	return &chain.TxObject{Kind: chain.KindOneMoney, Data: &txData{env: &env, modified: true}}, nil
}

func (h *Handler) VerifySignature(signer string, sig, message []byte) bool {
	key, err := hex.DecodeString(strings.ToLower(signer))
	if err != nil || len(key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), message, sig)
}

func (h *Handler) AddSignature(tx *chain.TxObject, signer string, sig []byte) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	if !validKey(signer) {
		return nil, fmt.Errorf("%w: bad signer key", chain.ErrInvalidInput)
	}
	env := *d.env
	env.Signatures = append(append([]Signature(nil), env.Signatures...), Signature{
		PublicKey: strings.ToLower(signer),
		Signature: hex.EncodeToString(sig),
	})
	return &chain.TxObject{Kind: chain.KindOneMoney, Data: &txData{env: &env, modified: true}}, nil
}

func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != params.EncodingBase64 {
		return "", fmt.Errorf("%w: onemoney payloads are base64, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	d, err := h.data(tx)
	if err != nil {
		return "", err
	}
	if !d.modified && d.original != "" {
		return d.original, nil
	}
	body, err := json.Marshal(d.env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// PotentialSigners is the envelope source plus every per-operation source,
// deduplicated in first-seen order.
func (h *Handler) PotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	add := func(key string) {
		key = strings.ToLower(key)
		if key != "" && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	add(d.env.Source)
	for _, op := range d.env.Operations {
		add(op.Source)
	}
	return out, nil
}

func (h *Handler) MatchSignature(raw chain.RawSignature, candidates []string, hash []byte) chain.MatchResult {
	signer := strings.ToLower(hex.EncodeToString(raw.Hint))
	masked := maskKey(signer)
	if len(raw.Hint) != ed25519.PublicKeySize {
		return chain.MatchResult{Masked: masked, Signature: raw.Signature}
	}
	if len(candidates) > 0 {
		found := false
		for _, c := range candidates {
			if strings.EqualFold(c, signer) {
				found = true
				break
			}
		}
		if !found {
			return chain.MatchResult{Masked: masked, Signature: raw.Signature}
		}
	}
	if !h.VerifySignature(signer, raw.Signature, hash) {
		return chain.MatchResult{Masked: masked, Signature: raw.Signature}
	}
	return chain.MatchResult{Matched: true, Signer: signer, Signature: raw.Signature}
}

func maskKey(key string) string {
	if len(key) < 8 {
		return "key:????????"
	}
	return "key:" + key[:8]
}

func (h *Handler) ValidPublicKey(key string) bool { return validKey(key) }

func validKey(key string) bool {
	raw, err := hex.DecodeString(strings.ToLower(key))
	return err == nil && len(raw) == ed25519.PublicKeySize
}

// TransactionParams merges the envelope's validUntil with the request-level
// expiry, whichever is tighter.
func (h *Handler) TransactionParams(tx *chain.TxObject, req *request.Normalized) (*chain.TxParams, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	p := &chain.TxParams{MaxTime: d.env.ValidUntil}
	if req.MaxTime != 0 && (p.MaxTime == 0 || req.MaxTime < p.MaxTime) {
		p.MaxTime = req.MaxTime
	}
	for _, s := range req.DesiredSigners {
		if !validKey(s) {
			return nil, fmt.Errorf("%w: desired signer %q is not a hex ed25519 key", chain.ErrInvalidInput, s)
		}
		p.DesiredSigners = append(p.DesiredSigners, strings.ToLower(s))
	}
	return p, nil
}

// CheckFeasibility: one valid signature from a discoverable source account
// makes the envelope submittable.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, network string, signedKeys []string) (bool, error) {
	if _, err := h.data(tx); err != nil {
		return false, err
	}
	return len(signedKeys) >= 1, nil
}
