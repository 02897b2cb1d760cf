package txuri

import (
	"regexp"

	"github.com/blocktimefinancial/refractor-sub000/params"
)

// Payload-shape validators, one per encoding. These are wire-level checks
// only; the chain handlers do the full decode.
var (
	base64Re = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	hexRe    = regexp.MustCompile(`^(0x)?([0-9a-fA-F]{2})+$`)
	// Bitcoin base58 alphabet: excludes 0, O, I and l.
	base58Re = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	base32Re = regexp.MustCompile(`^[A-Z2-7]+=*$`)
)

// ValidEncodingName reports whether enc names a known payload encoding.
func ValidEncodingName(enc string) bool {
	switch enc {
	case params.EncodingBase64, params.EncodingHex, params.EncodingBase58,
		params.EncodingBase32, params.EncodingMsgpack:
		return true
	}
	return false
}

// ValidPayload reports whether payload matches the shape of enc.
// Msgpack payloads are base64-wrapped on the wire, so they validate as base64.
func ValidPayload(enc, payload string) bool {
	if payload == "" {
		return false
	}
	switch enc {
	case params.EncodingBase64, params.EncodingMsgpack:
		return base64Re.MatchString(payload)
	case params.EncodingHex:
		return hexRe.MatchString(payload)
	case params.EncodingBase58:
		return base58Re.MatchString(payload)
	case params.EncodingBase32:
		return base32Re.MatchString(payload)
	}
	return false
}
