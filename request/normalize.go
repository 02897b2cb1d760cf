// Package request turns the three accepted submission shapes (legacy
// Stellar, transaction uri, raw components) into one normalized record the
// signer engine consumes.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/txuri"
)

// MaxTimeBound is the largest accepted unix-seconds bound (2^31-1). Anything
// beyond it is rejected rather than silently truncated.
const MaxTimeBound = 2147483647

var (
	ErrAmbiguousShape  = errors.New("request: more than one submission shape present")
	ErrUnknownShape    = errors.New("request: no recognizable submission shape")
	ErrBadNetwork      = errors.New("request: unknown network")
	ErrBadCallbackURL  = errors.New("request: invalid callback url")
	ErrBadExpires      = errors.New("request: invalid expires bound")
	ErrMissingNetwork  = errors.New("request: network required")
	ErrBadLegacyFormat = errors.New("request: invalid legacy stellar request")
)

// Submission is the raw inbound request body. Field presence selects the
// shape: txUri wins over components, components over legacy xdr.
type Submission struct {
	// Legacy Stellar shape.
	XDR     string          `json:"xdr,omitempty"`
	Network json.RawMessage `json:"network,omitempty"` // legacy int id or name

	// URI shape.
	TxURI string `json:"txUri,omitempty"`

	// Components shape.
	Blockchain  string `json:"blockchain,omitempty"`
	NetworkName string `json:"networkName,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Encoding    string `json:"encoding,omitempty"`

	// Common options.
	CallbackURL    string   `json:"callbackUrl,omitempty"`
	Submit         bool     `json:"submit,omitempty"`
	DesiredSigners []string `json:"desiredSigners,omitempty"`
	Expires        int64    `json:"expires,omitempty"`
}

// LegacyStellar retains the first-generation identity of a request so the
// response can echo it back unchanged.
type LegacyStellar struct {
	XDR       string
	NetworkID int
}

// Normalized is the single internal request record.
type Normalized struct {
	Blockchain     string
	NetworkName    string
	Payload        string
	Encoding       string
	TxURI          string
	CallbackURL    string
	Submit         bool
	DesiredSigners []string
	MinTime        int64
	MaxTime        int64
	Legacy         *LegacyStellar
}

// Normalize validates s and produces the internal record. Shapes are tried
// in order uri, components, legacy; supplying more than one is an error.
func Normalize(s *Submission) (*Normalized, error) {
	shapes := 0
	if s.TxURI != "" {
		shapes++
	}
	if s.Blockchain != "" || s.Payload != "" {
		shapes++
	}
	if s.XDR != "" {
		shapes++
	}
	if shapes == 0 {
		return nil, ErrUnknownShape
	}
	if shapes > 1 {
		return nil, ErrAmbiguousShape
	}

	var (
		n   *Normalized
		err error
	)
	switch {
	case s.TxURI != "":
		n, err = fromURI(s)
	case s.Blockchain != "" || s.Payload != "":
		n, err = fromComponents(s)
	default:
		n, err = fromLegacy(s)
	}
	if err != nil {
		return nil, err
	}

	if err := applyOptions(n, s); err != nil {
		return nil, err
	}
	return n, nil
}

func fromURI(s *Submission) (*Normalized, error) {
	c, err := txuri.Parse(s.TxURI)
	if err != nil {
		return nil, err
	}
	network := c.Network
	if network == "" {
		network = strings.ToLower(s.NetworkName)
	}
	if network == "" {
		return nil, fmt.Errorf("%w: uri %q carries no network", ErrMissingNetwork, s.TxURI)
	}
	if !params.IsValidNetwork(c.Blockchain, network) {
		return nil, fmt.Errorf("%w: %s:%s", ErrBadNetwork, c.Blockchain, network)
	}
	n := &Normalized{
		Blockchain:  c.Blockchain,
		NetworkName: network,
		Payload:     c.Payload,
		Encoding:    c.Encoding,
		TxURI:       s.TxURI,
	}
	attachStellarLegacy(n)
	return n, nil
}

func fromComponents(s *Submission) (*Normalized, error) {
	blockchain := strings.ToLower(s.Blockchain)
	network := strings.ToLower(s.NetworkName)
	bc := params.BlockchainByName(blockchain)
	if bc == nil {
		return nil, fmt.Errorf("%w: unknown blockchain %q", ErrUnknownShape, s.Blockchain)
	}
	if !params.IsValidNetwork(blockchain, network) {
		return nil, fmt.Errorf("%w: %s:%s", ErrBadNetwork, blockchain, network)
	}
	encoding := strings.ToLower(s.Encoding)
	if encoding == "" {
		encoding = bc.DefaultEncoding
	}
	if !txuri.ValidEncodingName(encoding) || !bc.SupportsEncoding(encoding) {
		return nil, fmt.Errorf("%w", txuri.ErrUnknownEncoding)
	}
	if s.Payload == "" {
		return nil, txuri.ErrEmptyPayload
	}
	if !txuri.ValidPayload(encoding, s.Payload) {
		return nil, txuri.ErrInvalidPayload
	}

	n := &Normalized{
		Blockchain:  blockchain,
		NetworkName: network,
		Payload:     s.Payload,
		Encoding:    encoding,
	}
	uri, err := txuri.Format(&txuri.Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    s.Payload,
	})
	if err == nil {
		n.TxURI = uri
	}
	attachStellarLegacy(n)
	return n, nil
}

func fromLegacy(s *Submission) (*Normalized, error) {
	if !txuri.DetectLegacyStellar(s.XDR) {
		return nil, fmt.Errorf("%w: xdr is not a stellar envelope", ErrBadLegacyFormat)
	}
	network, id, err := parseLegacyNetwork(s.Network)
	if err != nil {
		return nil, err
	}
	uri, _ := txuri.Format(&txuri.Components{
		Blockchain: "stellar",
		Network:    network,
		Encoding:   params.EncodingBase64,
		Payload:    s.XDR,
	})
	return &Normalized{
		Blockchain:  "stellar",
		NetworkName: network,
		Payload:     s.XDR,
		Encoding:    params.EncodingBase64,
		TxURI:       uri,
		Legacy:      &LegacyStellar{XDR: s.XDR, NetworkID: id},
	}, nil
}

// parseLegacyNetwork accepts the legacy numeric id (0/1/2) or the string
// network name.
func parseLegacyNetwork(raw json.RawMessage) (name string, id int, err error) {
	if len(raw) == 0 {
		return "", 0, fmt.Errorf("%w: network missing", ErrBadLegacyFormat)
	}
	var numeric int
	if err := json.Unmarshal(raw, &numeric); err == nil {
		name, ok := params.LegacyStellarNetwork(numeric)
		if !ok {
			return "", 0, fmt.Errorf("%w: legacy network id %d", ErrBadNetwork, numeric)
		}
		return name, numeric, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", 0, fmt.Errorf("%w: network must be an id or a name", ErrBadLegacyFormat)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	id, ok := params.LegacyStellarID(s)
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrBadNetwork, s)
	}
	return s, id, nil
}

// attachStellarLegacy synthesizes the legacy sub-record for Stellar requests
// arriving via uri or components, so legacy-id round-trips keep working.
func attachStellarLegacy(n *Normalized) {
	if n.Blockchain != "stellar" {
		return
	}
	if id, ok := params.LegacyStellarID(n.NetworkName); ok {
		n.Legacy = &LegacyStellar{XDR: n.Payload, NetworkID: id}
	}
}

func applyOptions(n *Normalized, s *Submission) error {
	if s.CallbackURL != "" {
		u, err := url.Parse(s.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrBadCallbackURL, s.CallbackURL)
		}
		n.CallbackURL = s.CallbackURL
	}
	n.Submit = s.Submit
	n.DesiredSigners = append([]string(nil), s.DesiredSigners...)
	if s.Expires != 0 {
		if s.Expires < 0 || s.Expires > MaxTimeBound {
			return fmt.Errorf("%w: %d", ErrBadExpires, s.Expires)
		}
		n.MaxTime = s.Expires
	}
	return nil
}

// ToLegacy reproduces the legacy request fields for records created through
// any shape. ok is false for non-Stellar records.
func (n *Normalized) ToLegacy() (xdr string, networkID int, ok bool) {
	if n.Legacy == nil {
		return "", 0, false
	}
	return n.Legacy.XDR, n.Legacy.NetworkID, true
}
