// Package chain defines the per-blockchain handler capability set. A handler
// knows how to parse its chain's transactions, derive the canonical hash,
// pull signatures apart from the envelope, verify and re-attach them, and
// evaluate whether a signature set satisfies the chain's signing policy.
//
// Handlers are concrete structs registered by blockchain name; there is no
// inheritance. Each handler operates only on its own TxObject variant and
// rejects others.
package chain

import (
	"context"
	"errors"

	"github.com/blocktimefinancial/refractor-sub000/request"
)

// Kind tags the chain-specific variant carried inside a TxObject.
type Kind string

const (
	KindStellar  Kind = "stellar"
	KindEVM      Kind = "evm"
	KindOneMoney Kind = "onemoney"
)

// TxObject is the tagged variant holding a parsed transaction. Data is the
// chain-specific representation; only the owning handler interprets it.
type TxObject struct {
	Kind Kind
	Data any
}

// Handler failure kinds. Handlers wrap these with context via fmt.Errorf and
// callers classify with errors.Is.
var (
	ErrInvalidInput        = errors.New("chain: invalid input")
	ErrUnsupportedEncoding = errors.New("chain: unsupported encoding")
	ErrUnsupportedFeature  = errors.New("chain: unsupported feature")
	ErrUnimplemented       = errors.New("chain: blockchain not implemented")
	ErrTransientBackend    = errors.New("chain: transient backend failure")
	ErrWrongKind           = errors.New("chain: tx object belongs to another handler")
)

// RawSignature is a signature as carried by a submitted envelope, before it
// has been attributed to a signer. Hint is the chain's short signer hint
// (Stellar's 4-byte public-key suffix); empty for chains without one.
type RawSignature struct {
	Hint      []byte
	Signature []byte
}

// SignaturePair is an attributed signature as stored on a record.
type SignaturePair struct {
	Signer    string `json:"signerKey"`
	Signature []byte `json:"signature"`
}

// MatchResult is the outcome of attributing one raw signature.
type MatchResult struct {
	Matched   bool
	Signer    string // set when Matched
	Masked    string // diagnostic identifier (masked hint) when not matched
	Signature []byte
}

// TxParams is the request-relevant fragment a handler extracts from a parsed
// transaction: time bounds and the validated desired-signer list.
type TxParams struct {
	MinTime        int64
	MaxTime        int64
	DesiredSigners []string
}

// Handler is the capability set every supported blockchain implements.
// Methods taking a context may touch the network (signer discovery,
// feasibility schemas); the rest are pure.
type Handler interface {
	// Blockchain returns the registry key this handler serves.
	Blockchain() string

	// ParseTransaction decodes payload under encoding and binds it to the
	// named network (passphrase or chain id). Fee-bump envelopes and
	// chain-id mismatches are rejected here.
	ParseTransaction(payload, encoding, network string) (*TxObject, error)

	// ComputeHash derives the canonical transaction hash: the hex string is
	// the record key, raw is the byte form signatures are verified against.
	ComputeHash(tx *TxObject) (hexHash string, raw []byte, err error)

	// ExtractSignatures returns the signatures already carried by the
	// submitted envelope, in envelope order.
	ExtractSignatures(tx *TxObject) ([]RawSignature, error)

	// ClearSignatures returns the unsigned form of tx.
	ClearSignatures(tx *TxObject) (*TxObject, error)

	// VerifySignature runs chain-native verification of sig by signer over
	// message.
	VerifySignature(signer string, sig, message []byte) bool

	// AddSignature appends an attributed signature to tx.
	AddSignature(tx *TxObject, signer string, sig []byte) (*TxObject, error)

	// SerializeTransaction is the inverse of ParseTransaction: byte-exact
	// when the signature set is unchanged.
	SerializeTransaction(tx *TxObject, encoding string) (string, error)

	// PotentialSigners discovers the keys that may satisfy the transaction's
	// signing policy on the given network.
	PotentialSigners(ctx context.Context, tx *TxObject, network string) ([]string, error)

	// MatchSignature attributes one raw signature to a candidate signer
	// using the chain's hint or recovery mechanism.
	MatchSignature(raw RawSignature, candidates []string, hash []byte) MatchResult

	// ValidPublicKey checks the chain's key format.
	ValidPublicKey(key string) bool

	// TransactionParams extracts time bounds from tx and validates the
	// request's desired-signer list against the chain's key format.
	TransactionParams(tx *TxObject, req *request.Normalized) (*TxParams, error)

	// CheckFeasibility reports whether the signed key set satisfies the
	// transaction's signing policy.
	CheckFeasibility(ctx context.Context, tx *TxObject, network string, signedKeys []string) (bool, error)
}
