package storage

import "github.com/blocktimefinancial/refractor-sub000/params"

// ApplyLegacyEcho fills the first-generation Stellar response fields (bare
// xdr plus numeric network id) on a record copy bound for the wire. Other
// blockchains are left untouched.
func ApplyLegacyEcho(rec *TransactionRecord) {
	if rec.Blockchain != "stellar" {
		return
	}
	if id, ok := params.LegacyStellarID(rec.NetworkName); ok {
		rec.LegacyXDR = rec.Payload
		rec.LegacyNetwork = &id
	}
}
