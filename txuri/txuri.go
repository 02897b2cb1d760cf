// Package txuri parses and formats transaction URIs.
//
// Two surface forms are supported:
//
//	simple:  tx:<blockchain>[:<network>];<encoding>,<payload>
//	caip:    blockchain://<namespace>:<reference>/tx/<encoding>;<payload>
//
// Parse normalizes blockchain, network and encoding to lowercase and
// validates them against the params registry; Format is the exact inverse
// for valid components, so Format(Parse(uri)) == uri holds byte-for-byte.
package txuri

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blocktimefinancial/refractor-sub000/params"
)

const (
	simplePrefix = "tx:"
	caipPrefix   = "blockchain://"

	// FormatSimple and friends identify which surface form a uri used.
	FormatSimple = "simple"
	FormatCAIP   = "caip"
	FormatLegacy = "legacy"
)

var (
	ErrNotTxURI           = errors.New("txuri: not a transaction uri")
	ErrMalformed          = errors.New("txuri: malformed uri")
	ErrUnknownBlockchain  = errors.New("txuri: unknown blockchain")
	ErrUnknownNetwork     = errors.New("txuri: unknown network")
	ErrUnknownEncoding    = errors.New("txuri: unknown encoding")
	ErrInvalidPayload     = errors.New("txuri: payload does not match encoding")
	ErrEmptyPayload       = errors.New("txuri: empty payload")
	ErrUnknownCAIPNetwork = errors.New("txuri: caip reference matches no registered network")
)

// Components is the parsed form of a transaction uri.
type Components struct {
	Blockchain string
	Network    string // may be empty for simple uris without a network part
	Encoding   string
	Payload    string
	Format     string // FormatSimple, FormatCAIP or FormatLegacy
	CAIP       string // "namespace:reference", set when Format == FormatCAIP
}

// Parse decodes a simple or CAIP transaction uri.
func Parse(uri string) (*Components, error) {
	switch {
	case strings.HasPrefix(uri, simplePrefix):
		return parseSimple(uri[len(simplePrefix):])
	case strings.HasPrefix(uri, caipPrefix):
		return parseCAIP(uri[len(caipPrefix):])
	}
	return nil, ErrNotTxURI
}

func parseSimple(rest string) (*Components, error) {
	head, body, ok := strings.Cut(rest, ";")
	if !ok {
		return nil, fmt.Errorf("%w: missing ';' separator", ErrMalformed)
	}
	encoding, payload, ok := strings.Cut(body, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing ',' separator", ErrMalformed)
	}

	blockchain, network, _ := strings.Cut(head, ":")
	blockchain = strings.ToLower(blockchain)
	network = strings.ToLower(network)
	encoding = strings.ToLower(encoding)

	bc := params.BlockchainByName(blockchain)
	if bc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockchain, blockchain)
	}
	if network != "" && params.Network(blockchain, network) == nil {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownNetwork, blockchain, network)
	}
	if err := checkEncoding(bc, encoding, payload); err != nil {
		return nil, err
	}
	return &Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    payload,
		Format:     FormatSimple,
	}, nil
}

func parseCAIP(rest string) (*Components, error) {
	chainPart, txPart, ok := strings.Cut(rest, "/tx/")
	if !ok {
		return nil, fmt.Errorf("%w: missing /tx/ path", ErrMalformed)
	}
	namespace, reference, ok := strings.Cut(chainPart, ":")
	if !ok || namespace == "" || reference == "" {
		return nil, fmt.Errorf("%w: bad caip chain id %q", ErrMalformed, chainPart)
	}
	encoding, payload, ok := strings.Cut(txPart, ";")
	if !ok {
		return nil, fmt.Errorf("%w: missing ';' separator", ErrMalformed)
	}
	namespace = strings.ToLower(namespace)
	encoding = strings.ToLower(encoding)

	var blockchain, network string
	if namespace == "eip155" {
		chainID, good := new(big.Int).SetString(reference, 10)
		if !good {
			return nil, fmt.Errorf("%w: non-numeric eip155 reference %q", ErrMalformed, reference)
		}
		blockchain, network = params.EVMNetworkByChainID(chainID)
	} else {
		blockchain, network = params.NetworkByCAIP(namespace, reference)
	}
	if blockchain == "" {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownCAIPNetwork, namespace, reference)
	}
	bc := params.BlockchainByName(blockchain)
	if err := checkEncoding(bc, encoding, payload); err != nil {
		return nil, err
	}
	return &Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    payload,
		Format:     FormatCAIP,
		CAIP:       namespace + ":" + reference,
	}, nil
}

func checkEncoding(bc *params.BlockchainConfig, encoding, payload string) error {
	if !ValidEncodingName(encoding) {
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
	if !bc.SupportsEncoding(encoding) {
		return fmt.Errorf("%w: %s does not accept %s", ErrUnknownEncoding, bc.Name, encoding)
	}
	if payload == "" {
		return ErrEmptyPayload
	}
	if !ValidPayload(encoding, payload) {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, encoding)
	}
	return nil
}

// Format renders components back to uri form. It is the inverse of Parse:
// for components produced by Parse the output is byte-identical to the
// original uri.
func Format(c *Components) (string, error) {
	if c.Blockchain == "" || c.Encoding == "" {
		return "", fmt.Errorf("%w: blockchain and encoding required", ErrMalformed)
	}
	if c.Payload == "" {
		return "", ErrEmptyPayload
	}
	if c.Format == FormatCAIP {
		if c.CAIP == "" {
			return "", fmt.Errorf("%w: caip form without caip chain id", ErrMalformed)
		}
		return caipPrefix + c.CAIP + "/tx/" + c.Encoding + ";" + c.Payload, nil
	}
	head := c.Blockchain
	if c.Network != "" {
		head += ":" + c.Network
	}
	return simplePrefix + head + ";" + c.Encoding + "," + c.Payload, nil
}

// DetectLegacyStellar recognizes a raw Stellar transaction envelope in
// base64: first-generation clients posted bare xdr with no uri wrapping.
// An envelope starts with a zeroed 4-byte discriminant ("AAAA" in base64)
// and any real transaction is comfortably over 100 characters.
func DetectLegacyStellar(payload string) bool {
	return len(payload) >= 100 &&
		strings.HasPrefix(payload, "AAAA") &&
		base64Re.MatchString(payload)
}

// FromLegacyStellar wraps a bare Stellar envelope as components. The caller
// must supply the network out of band; legacy payloads do not carry one.
func FromLegacyStellar(payload string) *Components {
	return &Components{
		Blockchain: "stellar",
		Encoding:   params.EncodingBase64,
		Payload:    payload,
		Format:     FormatLegacy,
	}
}
