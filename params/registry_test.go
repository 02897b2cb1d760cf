package params

import (
	"math/big"
	"testing"
)

func TestBlockchainByNameCaseInsensitive(t *testing.T) {
	for _, name := range []string{"stellar", "Stellar", "STELLAR", "  stellar "} {
		if bc := BlockchainByName(name); bc == nil || bc.Name != "stellar" {
			t.Errorf("BlockchainByName(%q): want stellar entry, got %v", name, bc)
		}
	}
}

func TestUnknownNamesFailClosed(t *testing.T) {
	if BlockchainByName("dogecoin") != nil {
		t.Error("unknown blockchain must resolve to nil")
	}
	if Network("stellar", "nosuchnet") != nil {
		t.Error("unknown network must resolve to nil")
	}
	if Network("nosuchchain", "testnet") != nil {
		t.Error("network lookup on unknown blockchain must resolve to nil")
	}
	if IsValidNetwork("ethereum", "") {
		t.Error("empty network name must be invalid")
	}
}

func TestStellarNetworks(t *testing.T) {
	net := Network("stellar", "testnet")
	if net == nil {
		t.Fatal("stellar testnet missing")
	}
	if net.Passphrase != StellarTestnetPassphrase {
		t.Errorf("testnet passphrase: got %q", net.Passphrase)
	}
	if !net.Testnet {
		t.Error("stellar testnet must be flagged Testnet")
	}
	if pub := Network("stellar", "public"); pub == nil || pub.Testnet {
		t.Error("stellar public must exist and not be a testnet")
	}
}

func TestEVMNetworkByChainID(t *testing.T) {
	tests := []struct {
		chainID    int64
		blockchain string
		network    string
	}{
		{1, "ethereum", "mainnet"},
		{137, "polygon", "mainnet"},
		{11155111, "ethereum", "sepolia"},
		{8453, "base", "mainnet"},
		{999999999, "", ""},
	}
	for _, tt := range tests {
		bc, net := EVMNetworkByChainID(big.NewInt(tt.chainID))
		if bc != tt.blockchain || net != tt.network {
			t.Errorf("chain id %d: want (%s,%s), got (%s,%s)", tt.chainID, tt.blockchain, tt.network, bc, net)
		}
	}
	if bc, _ := EVMNetworkByChainID(nil); bc != "" {
		t.Error("nil chain id must not match")
	}
}

func TestNetworkByCAIP(t *testing.T) {
	if bc, net := NetworkByCAIP("stellar", "pubnet"); bc != "stellar" || net != "public" {
		t.Errorf("stellar:pubnet: got (%s,%s)", bc, net)
	}
	if bc, net := NetworkByCAIP("eip155", "137"); bc != "polygon" || net != "mainnet" {
		t.Errorf("eip155:137: got (%s,%s)", bc, net)
	}
	if bc, _ := NetworkByCAIP("eip155", "0"); bc != "" {
		t.Error("unknown eip155 reference must not match")
	}
}

func TestLegacyStellarIDs(t *testing.T) {
	for id, want := range map[int]string{0: "public", 1: "testnet", 2: "futurenet"} {
		got, ok := LegacyStellarNetwork(id)
		if !ok || got != want {
			t.Errorf("legacy id %d: want %s, got %s (ok=%v)", id, want, got, ok)
		}
		back, ok := LegacyStellarID(got)
		if !ok || back != id {
			t.Errorf("legacy round-trip for %s: want %d, got %d", got, id, back)
		}
	}
	if _, ok := LegacyStellarNetwork(3); ok {
		t.Error("legacy id 3 must be unknown")
	}
}

func TestSupportsEncoding(t *testing.T) {
	eth := BlockchainByName("ethereum")
	if !eth.SupportsEncoding(EncodingHex) {
		t.Error("ethereum must support hex")
	}
	if eth.SupportsEncoding(EncodingBase64) {
		t.Error("ethereum must not support base64")
	}
}

func TestUnimplementedChainsRecognized(t *testing.T) {
	for _, name := range []string{"solana", "bitcoin", "algorand", "aptos"} {
		bc := BlockchainByName(name)
		if bc == nil {
			t.Fatalf("%s must be in the registry", name)
		}
		if bc.Implemented {
			t.Errorf("%s must be flagged unimplemented", name)
		}
	}
}
