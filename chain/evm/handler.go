// Package evm implements the chain handler for EVM-family blockchains.
// One handler instance serves one registered blockchain (ethereum, polygon,
// bsc and so on); the chain id of the bound network disambiguates.
//
// The canonical hash is the signing pre-image of the transaction, not the
// network hash: the network hash covers the signature and would change every
// time a signature lands, which would break record identity.
package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/request"
)

// txData is the chain-specific payload carried inside a TxObject.
type txData struct {
	tx      *types.Transaction
	chainID *big.Int // chain id of the bound network
}

// Handler serves one EVM-family blockchain.
type Handler struct {
	blockchain string
}

// NewFactory returns a registry factory for the named EVM blockchain.
func NewFactory(blockchain string) chain.Factory {
	return func() (chain.Handler, error) {
		bc := params.BlockchainByName(blockchain)
		if bc == nil || bc.CAIPNamespace != "eip155" {
			return nil, fmt.Errorf("evm: %q is not a registered eip155 blockchain", blockchain)
		}
		return &Handler{blockchain: blockchain}, nil
	}
}

func (h *Handler) Blockchain() string { return h.blockchain }

func (h *Handler) ParseTransaction(payload, encoding, network string) (*chain.TxObject, error) {
	if encoding != params.EncodingHex {
		return nil, fmt.Errorf("%w: evm payloads are hex, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	net := params.Network(h.blockchain, network)
	if net == nil || net.ChainID == nil {
		return nil, fmt.Errorf("%w: unknown network %s:%s", chain.ErrInvalidInput, h.blockchain, network)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(payload, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	if tx.Type() == types.BlobTxType {
		return nil, fmt.Errorf("%w: blob transactions", chain.ErrUnsupportedFeature)
	}
	// Typed transactions and protected legacy ones carry a chain id; it must
	// agree with the network the request names.
	if txID := tx.ChainId(); txID.Sign() != 0 && txID.Cmp(net.ChainID) != 0 {
		return nil, fmt.Errorf("%w: tx chain id %s, network %s expects %s",
			chain.ErrInvalidInput, txID, network, net.ChainID)
	}
	return &chain.TxObject{Kind: chain.KindEVM, Data: &txData{tx: tx, chainID: net.ChainID}}, nil
}

func (h *Handler) data(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != chain.KindEVM {
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
	signer := types.LatestSignerForChainID(d.chainID)
	sum := signer.Hash(d.tx)
	return hex.EncodeToString(sum[:]), sum.Bytes(), nil
}

func (h *Handler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSignature, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	v, r, s := d.tx.RawSignatureValues()
	if r.Sign() == 0 && s.Sign() == 0 {
		return nil, nil
	}
	recID, err := recoveryID(d.tx, v)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, crypto.SignatureLength)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	sig[64] = recID
	return []chain.RawSignature{{Signature: sig}}, nil
}

// recoveryID normalizes V to the 0/1 recovery id. Typed transactions already
// use 0/1; protected legacy uses 2*chainId+35+recid, unprotected uses 27/28.
func recoveryID(tx *types.Transaction, v *big.Int) (byte, error) {
	if tx.Type() != types.LegacyTxType {
		if !v.IsUint64() || v.Uint64() > 1 {
			return 0, fmt.Errorf("%w: signature v %s out of range", chain.ErrInvalidInput, v)
		}
		return byte(v.Uint64()), nil
	}
	if tx.Protected() {
		chainID := tx.ChainId()
		rec := new(big.Int).Sub(v, new(big.Int).Lsh(chainID, 1))
		rec.Sub(rec, big.NewInt(35))
		if !rec.IsUint64() || rec.Uint64() > 1 {
			return 0, fmt.Errorf("%w: signature v %s out of range", chain.ErrInvalidInput, v)
		}
		return byte(rec.Uint64()), nil
	}
	if !v.IsUint64() || v.Uint64() < 27 || v.Uint64() > 28 {
		return 0, fmt.Errorf("%w: signature v %s out of range", chain.ErrInvalidInput, v)
	}
	return byte(v.Uint64() - 27), nil
}

func (h *Handler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	unsigned, err := unsignedCopy(d.tx)
	if err != nil {
		return nil, err
	}
	return &chain.TxObject{Kind: chain.KindEVM, Data: &txData{tx: unsigned, chainID: d.chainID}}, nil
}

// unsignedCopy rebuilds the transaction from its accessor fields, dropping
// the signature.
func unsignedCopy(tx *types.Transaction) (*types.Transaction, error) {
	switch tx.Type() {
	case types.LegacyTxType:
		return types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce(),
			GasPrice: tx.GasPrice(),
			Gas:      tx.Gas(),
			To:       tx.To(),
			Value:    tx.Value(),
			Data:     tx.Data(),
		}), nil
	case types.AccessListTxType:
		return types.NewTx(&types.AccessListTx{
			ChainID:    tx.ChainId(),
			Nonce:      tx.Nonce(),
			GasPrice:   tx.GasPrice(),
			Gas:        tx.Gas(),
			To:         tx.To(),
			Value:      tx.Value(),
			Data:       tx.Data(),
			AccessList: tx.AccessList(),
		}), nil
	case types.DynamicFeeTxType:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:    tx.ChainId(),
			Nonce:      tx.Nonce(),
			GasTipCap:  tx.GasTipCap(),
			GasFeeCap:  tx.GasFeeCap(),
			Gas:        tx.Gas(),
			To:         tx.To(),
			Value:      tx.Value(),
			Data:       tx.Data(),
			AccessList: tx.AccessList(),
		}), nil
	}
	return nil, fmt.Errorf("%w: tx type %d", chain.ErrUnsupportedFeature, tx.Type())
}

func (h *Handler) VerifySignature(signer string, sig, message []byte) bool {
	if len(sig) != crypto.SignatureLength || !common.IsHexAddress(signer) {
		return false
	}
	pub, err := crypto.Ecrecover(message, sig)
	if err != nil {
		return false
	}
	addr := common.BytesToAddress(crypto.Keccak256(pub[1:])[12:])
	return addr == common.HexToAddress(signer)
}

func (h *Handler) AddSignature(tx *chain.TxObject, signer string, sig []byte) (*chain.TxObject, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", chain.ErrInvalidInput, crypto.SignatureLength)
	}
	signed, err := d.tx.WithSignature(types.LatestSignerForChainID(d.chainID), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return &chain.TxObject{Kind: chain.KindEVM, Data: &txData{tx: signed, chainID: d.chainID}}, nil
}

func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != params.EncodingHex {
		return "", fmt.Errorf("%w: evm payloads are hex, got %q", chain.ErrUnsupportedEncoding, encoding)
	}
	d, err := h.data(tx)
	if err != nil {
		return "", err
	}
	raw, err := d.tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return "0x" + hex.EncodeToString(raw), nil
}

// PotentialSigners recovers the sender when the transaction already carries
// a signature. An unsigned EVM transaction names no account on its own, so
// discovery yields nothing and candidates come from the request instead.
func (h *Handler) PotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	d, err := h.data(tx)
	if err != nil {
		return nil, err
	}
	_, r, s := d.tx.RawSignatureValues()
	if r.Sign() == 0 && s.Sign() == 0 {
		return nil, nil
	}
	from, err := types.Sender(types.LatestSignerForChainID(d.chainID), d.tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidInput, err)
	}
	return []string{from.Hex()}, nil
}

// MatchSignature attributes by recovery: the public key falls out of the
// signature itself, so the candidate set only restricts, never resolves.
func (h *Handler) MatchSignature(raw chain.RawSignature, candidates []string, hash []byte) chain.MatchResult {
	masked := maskSig(raw.Signature)
	if len(raw.Signature) != crypto.SignatureLength {
		return chain.MatchResult{Masked: masked, Signature: raw.Signature}
	}
	pub, err := crypto.Ecrecover(hash, raw.Signature)
	if err != nil {
		return chain.MatchResult{Masked: masked, Signature: raw.Signature}
	}
	addr := common.BytesToAddress(crypto.Keccak256(pub[1:])[12:])
	if len(candidates) > 0 {
		found := false
		for _, c := range candidates {
			if common.IsHexAddress(c) && common.HexToAddress(c) == addr {
				found = true
				break
			}
		}
		if !found {
			return chain.MatchResult{Masked: masked, Signature: raw.Signature}
		}
	}
	return chain.MatchResult{Matched: true, Signer: addr.Hex(), Signature: raw.Signature}
}

func maskSig(sig []byte) string {
	if len(sig) < 4 {
		return "sig:????????"
	}
	return "sig:" + hex.EncodeToString(sig[:4])
}

func (h *Handler) ValidPublicKey(key string) bool {
	return common.IsHexAddress(key)
}

// TransactionParams: EVM transactions carry no time bounds, so only the
// request-level expiry applies. Desired signers must be hex addresses.
func (h *Handler) TransactionParams(tx *chain.TxObject, req *request.Normalized) (*chain.TxParams, error) {
	if _, err := h.data(tx); err != nil {
		return nil, err
	}
	p := &chain.TxParams{MaxTime: req.MaxTime}
	for _, s := range req.DesiredSigners {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%w: desired signer %q is not a hex address", chain.ErrInvalidInput, s)
		}
		p.DesiredSigners = append(p.DesiredSigners, common.HexToAddress(s).Hex())
	}
	return p, nil
}

// CheckFeasibility: a single valid sender signature completes an EVM
// transaction.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, network string, signedKeys []string) (bool, error) {
	if _, err := h.data(tx); err != nil {
		return false, err
	}
	return len(signedKeys) >= 1, nil
}
