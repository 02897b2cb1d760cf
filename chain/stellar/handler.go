// Package stellar implements the chain handler for the Stellar network.
//
// Stellar is the one chain here with a real on-ledger signing schema:
// accounts carry weighted signer lists and thresholds, so signer discovery
// and feasibility go through Horizon. Schemas are cached with a short TTL
// and concurrent fetches for the same account are collapsed.
package stellar

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"golang.org/x/sync/singleflight"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/request"
)

const (
	schemaCacheSize = 512
	schemaCacheTTL  = 5 * time.Minute
)

// SchemaSigner is one weighted entry of an account's signer list.
type SchemaSigner struct {
	Key    string
	Weight int32
}

// AccountSchema is the signing policy of one account: its signer list and
// the threshold a signature set must reach. Unfunded accounts get the
// implicit master-key schema.
type AccountSchema struct {
	Address   string
	Signers   []SchemaSigner
	Threshold int32
}

// SchemaSource fetches account signing schemas for a named network.
type SchemaSource interface {
	Schema(ctx context.Context, network, account string) (*AccountSchema, error)
}

// txData is the chain-specific payload carried inside a TxObject.
type txData struct {
	tx         *txnbuild.Transaction
	passphrase string
}

type cachedSchema struct {
	schema    *AccountSchema
	fetchedAt time.Time
}

// Handler serves the stellar blockchain.
type Handler struct {
	source SchemaSource
	cache  *lru.Cache
	flight singleflight.Group
}

// New builds a handler around the given schema source.
func New(source SchemaSource) (*Handler, error) {
	cache, err := lru.New(schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Handler{source: source, cache: cache}, nil
}

// NewFactory returns the registry factory using live Horizon endpoints from
// the network registry.
func NewFactory() chain.Factory {
	return func() (chain.Handler, error) {
		return New(&horizonSource{clients: make(map[string]*horizonclient.Client)})
	}
}

func (h *Handler) Blockchain() string { return "stellar" }

func (h *Handler) ParseTransaction(payload, encoding, network string) (*chain.TxObject, error) {
	if encoding != params.EncodingBase64 {
		return nil, fmt.Errorf("%w: stellar envelopes are base64 xdr, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	net := params.Network("stellar", network)
	if net == nil || net.Passphrase == "" {
		return nil, fmt.Errorf("%w: unknown network stellar:%s", chain.ErrInvalidInput, network)
	}
	generic, err := txnbuild.TransactionFromXDR(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, fmt.Errorf("%w: fee-bump envelopes", chain.ErrUnsupportedFeature)
	}
	return &chain.TxObject{Kind: chain.KindStellar, Data: &txData{tx: tx, passphrase: net.Passphrase}}, nil
}

func (h *Handler) data(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != chain.KindStellar {
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
	sum, err := d.tx.Hash(d.passphrase)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return fmt.Sprintf("%x", sum), sum[:], nil
}

func (h *Handler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSignature, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	decorated := d.tx.Signatures()
	sigs := make([]chain.RawSignature, 0, len(decorated))
	for _, ds := range decorated {
		sigs = append(sigs, chain.RawSignature{
			Hint:      append([]byte(nil), ds.Hint[:]...),
			Signature: append([]byte(nil), ds.Signature...),
		})
	}
	return sigs, nil
}

func (h *Handler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	cleared, err := d.tx.ClearSignatures()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return &chain.TxObject{Kind: chain.KindStellar, Data: &txData{tx: cleared, passphrase: d.passphrase}}, nil
}

func (h *Handler) VerifySignature(signer string, sig, message []byte) bool {
	kp, err := keypair.ParseAddress(signer)
	if err != nil {
		return false
	}
	return kp.Verify(message, sig) == nil
}

func (h *Handler) AddSignature(tx *chain.TxObject, signer string, sig []byte) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	kp, err := keypair.ParseAddress(signer)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signer address %q", chain.ErrInvalidInput, signer)
	}
	signed, err := d.tx.AddSignatureDecorated(xdr.DecoratedSignature{
		Hint:      xdr.SignatureHint(kp.Hint()),
		Signature: xdr.Signature(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return &chain.TxObject{Kind: chain.KindStellar, Data: &txData{tx: signed, passphrase: d.passphrase}}, nil
}

func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != params.EncodingBase64 {
		return "", fmt.Errorf("%w: stellar envelopes are base64 xdr, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	d, err := h.data(tx)
	if err != nil {
		return "", err
	}
	out, err := d.tx.Base64()
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return out, nil
}

// requiredAccounts lists the accounts whose schemas gate the transaction:
// the envelope source plus every distinct operation source. Muxed addresses
// collapse to their underlying account.
func requiredAccounts(tx *txnbuild.Transaction) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) error {
		if addr == "" {
			return nil
		}
		base, err := baseAccount(addr)
		if err != nil {
			return err
		}
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
		return nil
	}
	if err := add(tx.SourceAccount().AccountID); err != nil {
		return nil, err
	}
	for _, op := range tx.Operations() {
		if err := add(op.GetSourceAccount()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func baseAccount(addr string) (string, error) {
	if strkey.IsValidEd25519PublicKey(addr) {
		return addr, nil
	}
	if strkey.IsValidMuxedAccountEd25519PublicKey(addr) {
		muxed, err := xdr.AddressToMuxedAccount(addr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
		}
		return muxed.ToAccountId().Address(), nil
	}
	return "", fmt.Errorf("%w: bad account address %q", chain.ErrInvalidInput, addr)
}

// schema resolves one account schema through the cache, collapsing
// concurrent fetches for the same key.
func (h *Handler) schema(ctx context.Context, network, account string) (*AccountSchema, error) {
	key := network + "|" + account
	if v, ok := h.cache.Get(key); ok {
		if c := v.(*cachedSchema); time.Since(c.fetchedAt) < schemaCacheTTL {
			return c.schema, nil
		}
		h.cache.Remove(key)
	}
	v, err, _ := h.flight.Do(key, func() (any, error) {
		s, err := h.source.Schema(ctx, network, account)
		if err != nil {
			return nil, err
		}
		h.cache.Add(key, &cachedSchema{schema: s, fetchedAt: time.Now()})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccountSchema), nil
}

// PotentialSigners is the union of the signer lists of every required
// account.
func (h *Handler) PotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	accounts, err := requiredAccounts(d.tx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, acct := range accounts {
		s, err := h.schema(ctx, network, acct)
		if err != nil {
			return nil, err
		}
		for _, signer := range s.Signers {
			if signer.Weight > 0 && !seen[signer.Key] {
				seen[signer.Key] = true
				out = append(out, signer.Key)
			}
		}
	}
	return out, nil
}

// MatchSignature narrows candidates by the 4-byte public-key hint, then
// verifies. Unmatched signatures report the masked hint only.
func (h *Handler) MatchSignature(raw chain.RawSignature, candidates []string, hash []byte) chain.MatchResult {
	masked := maskHint(raw.Hint)
	if len(raw.Hint) != 4 {
		return chain.MatchResult{Masked: masked, Signature: raw.Signature}
	}
	for _, c := range candidates {
		kp, err := keypair.ParseAddress(c)
		if err != nil {
			continue
		}
		hint := kp.Hint()
		if string(hint[:]) != string(raw.Hint) {
			continue
		}
		if kp.Verify(hash, raw.Signature) == nil {
			return chain.MatchResult{Matched: true, Signer: c, Signature: raw.Signature}
		}
	}
	return chain.MatchResult{Masked: masked, Signature: raw.Signature}
}

func maskHint(hint []byte) string {
	if len(hint) != 4 {
		return "hint:????????"
	}
	return fmt.Sprintf("hint:%x", hint)
}

func (h *Handler) ValidPublicKey(key string) bool {
	return strkey.IsValidEd25519PublicKey(key)
}

// TransactionParams takes time bounds from the envelope and tightens the
// upper bound with the request expiry when that is earlier.
func (h *Handler) TransactionParams(tx *chain.TxObject, req *request.Normalized) (*chain.TxParams, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	tb := d.tx.Timebounds()
	p := &chain.TxParams{MinTime: tb.MinTime, MaxTime: tb.MaxTime}
	if req.MaxTime != 0 && (p.MaxTime == 0 || req.MaxTime < p.MaxTime) {
		p.MaxTime = req.MaxTime
	}
	for _, s := range req.DesiredSigners {
		if !strkey.IsValidEd25519PublicKey(s) {
			return nil, fmt.Errorf("%w: desired signer %q is not an ed25519 address", chain.ErrInvalidInput, s)
		}
		p.DesiredSigners = append(p.DesiredSigners, s)
	}
	return p, nil
}

// CheckFeasibility sums the weights of the signed keys against each required
// account's threshold. Every required account must clear its threshold.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, network string, signedKeys []string) (bool, error) {
	d, err := h.data(tx)
	if err != nil {
		return false, err
	}
	if len(signedKeys) == 0 {
		return false, nil
	}
	signed := map[string]bool{}
	for _, k := range signedKeys {
		signed[k] = true
	}
	accounts, err := requiredAccounts(d.tx)
	if err != nil {
		return false, err
	}
	for _, acct := range accounts {
		s, err := h.schema(ctx, network, acct)
		if err != nil {
			return false, err
		}
		var weight int32
		for _, signer := range s.Signers {
			if signed[signer.Key] {
				weight += signer.Weight
			}
		}
		threshold := s.Threshold
		if threshold < 1 {
			threshold = 1
		}
		if weight < threshold {
			return false, nil
		}
	}
	return true, nil
}
