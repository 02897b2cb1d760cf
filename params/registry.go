// Package params holds the static blockchain registry: the catalog of
// supported chains, their networks, passphrases, chain ids, default payload
// encodings and key formats. The registry is initialized at startup and
// read-only afterwards. Unknown names resolve to nil, never panic.
package params

import (
	"math/big"
	"os"
	"strings"
)

// Payload encodings understood by the tx-uri codec and the chain handlers.
const (
	EncodingBase64  = "base64"
	EncodingHex     = "hex"
	EncodingBase58  = "base58"
	EncodingBase32  = "base32"
	EncodingMsgpack = "msgpack"
)

// Key formats declared per blockchain. Handlers use these to pick the
// public-key validator for desired-signer lists.
const (
	KeyFormatStrkey     = "strkey-ed25519" // Stellar G... strkey
	KeyFormatEVMAddress = "evm-address"    // 20-byte 0x address
	KeyFormatHexEd25519 = "hex-ed25519"    // 32-byte hex public key
	KeyFormatBase58     = "base58-ed25519" // Solana-style base58 key
	KeyFormatBase32     = "base32-ed25519" // Algorand-style checksummed base32 address
)

// NetworkConfig describes one network of a blockchain.
type NetworkConfig struct {
	Name       string   // canonical network id, e.g. "testnet"
	Passphrase string   // Stellar-family network passphrase
	ChainID    *big.Int // EVM chain id, nil for non-EVM chains
	Endpoint   string   // default submission endpoint (Horizon, JSON-RPC, ...)
	CAIP       string   // CAIP-2 reference for this network
	Testnet    bool
}

// BlockchainConfig describes one blockchain family entry in the registry.
type BlockchainConfig struct {
	Name               string
	CAIPNamespace      string // eip155, stellar, solana, bip122, algorand, aptos, onemoney
	DefaultEncoding    string
	SupportedEncodings []string
	KeyFormat          string
	Implemented        bool // false: recognized but no handler (501 on submit)
	Networks           map[string]*NetworkConfig
}

// SupportsEncoding reports whether enc is in the blockchain's allowed set.
func (bc *BlockchainConfig) SupportsEncoding(enc string) bool {
	for _, e := range bc.SupportedEncodings {
		if e == enc {
			return true
		}
	}
	return false
}

// Stellar network passphrases, per the SEP-defined network registry.
const (
	StellarPubnetPassphrase    = "Public Global Stellar Network ; September 2015"
	StellarTestnetPassphrase   = "Test SDF Network ; September 2015"
	StellarFuturenetPassphrase = "Test SDF Future Network ; October 2022"
)

var blockchains = map[string]*BlockchainConfig{
	"stellar": {
		Name:               "stellar",
		CAIPNamespace:      "stellar",
		DefaultEncoding:    EncodingBase64,
		SupportedEncodings: []string{EncodingBase64},
		KeyFormat:          KeyFormatStrkey,
		Implemented:        true,
		Networks: map[string]*NetworkConfig{
			"public": {
				Name:       "public",
				Passphrase: StellarPubnetPassphrase,
				Endpoint:   "https://horizon.stellar.org",
				CAIP:       "pubnet",
			},
			"testnet": {
				Name:       "testnet",
				Passphrase: StellarTestnetPassphrase,
				Endpoint:   "https://horizon-testnet.stellar.org",
				CAIP:       "testnet",
				Testnet:    true,
			},
			"futurenet": {
				Name:       "futurenet",
				Passphrase: StellarFuturenetPassphrase,
				Endpoint:   "https://horizon-futurenet.stellar.org",
				CAIP:       "futurenet",
				Testnet:    true,
			},
		},
	},
	"ethereum": evmBlockchain("ethereum",
		evmNetwork("mainnet", 1, "https://eth.llamarpc.com", false),
		evmNetwork("sepolia", 11155111, "https://rpc.sepolia.org", true),
	),
	"polygon": evmBlockchain("polygon",
		evmNetwork("mainnet", 137, "https://polygon-rpc.com", false),
		evmNetwork("amoy", 80002, "https://rpc-amoy.polygon.technology", true),
	),
	"bsc": evmBlockchain("bsc",
		evmNetwork("mainnet", 56, "https://bsc-dataseed.bnbchain.org", false),
		evmNetwork("testnet", 97, "https://data-seed-prebsc-1-s1.bnbchain.org:8545", true),
	),
	"base": evmBlockchain("base",
		evmNetwork("mainnet", 8453, "https://mainnet.base.org", false),
		evmNetwork("sepolia", 84532, "https://sepolia.base.org", true),
	),
	"arbitrum": evmBlockchain("arbitrum",
		evmNetwork("one", 42161, "https://arb1.arbitrum.io/rpc", false),
		evmNetwork("sepolia", 421614, "https://sepolia-rollup.arbitrum.io/rpc", true),
	),
	"optimism": evmBlockchain("optimism",
		evmNetwork("mainnet", 10, "https://mainnet.optimism.io", false),
		evmNetwork("sepolia", 11155420, "https://sepolia.optimism.io", true),
	),
	"avalanche": evmBlockchain("avalanche",
		evmNetwork("mainnet", 43114, "https://api.avax.network/ext/bc/C/rpc", false),
		evmNetwork("fuji", 43113, "https://api.avax-test.network/ext/bc/C/rpc", true),
	),
	"onemoney": {
		Name:               "onemoney",
		CAIPNamespace:      "onemoney",
		DefaultEncoding:    EncodingBase64,
		SupportedEncodings: []string{EncodingBase64, EncodingMsgpack},
		KeyFormat:          KeyFormatHexEd25519,
		Implemented:        true,
		Networks: map[string]*NetworkConfig{
			"mainnet": {
				Name:     "mainnet",
				ChainID:  big.NewInt(21210),
				Endpoint: "https://api.1money.network",
				CAIP:     "21210",
			},
			"testnet": {
				Name:     "testnet",
				ChainID:  big.NewInt(1212101),
				Endpoint: "https://api.testnet.1money.network",
				CAIP:     "1212101",
				Testnet:  true,
			},
		},
	},

	// Recognized for uri parsing and registry lookups, but without a handler.
	// Submissions against these answer 501.
	"solana": {
		Name:               "solana",
		CAIPNamespace:      "solana",
		DefaultEncoding:    EncodingBase64,
		SupportedEncodings: []string{EncodingBase64, EncodingBase58},
		KeyFormat:          KeyFormatBase58,
		Networks: map[string]*NetworkConfig{
			"mainnet": {Name: "mainnet", CAIP: "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"},
			"devnet":  {Name: "devnet", CAIP: "EtWTRABZaYq6iMfeYKouRu166VU2xqa1", Testnet: true},
		},
	},
	"bitcoin": {
		Name:               "bitcoin",
		CAIPNamespace:      "bip122",
		DefaultEncoding:    EncodingHex,
		SupportedEncodings: []string{EncodingHex, EncodingBase64},
		KeyFormat:          KeyFormatBase58,
		Networks: map[string]*NetworkConfig{
			"mainnet": {Name: "mainnet", CAIP: "000000000019d6689c085ae165831e93"},
			"testnet": {Name: "testnet", CAIP: "000000000933ea01ad0ee984209779ba", Testnet: true},
		},
	},
	"algorand": {
		Name:               "algorand",
		CAIPNamespace:      "algorand",
		DefaultEncoding:    EncodingMsgpack,
		SupportedEncodings: []string{EncodingMsgpack, EncodingBase64, EncodingBase32},
		KeyFormat:          KeyFormatBase32,
		Networks: map[string]*NetworkConfig{
			"mainnet": {Name: "mainnet", CAIP: "wGHE2Pwdvd7S12BL5FaOP20EGYesN73k"},
			"testnet": {Name: "testnet", CAIP: "SGO1GKSzyE7IEPItTxCByw9x8FmnrCDe", Testnet: true},
		},
	},
	"aptos": {
		Name:               "aptos",
		CAIPNamespace:      "aptos",
		DefaultEncoding:    EncodingHex,
		SupportedEncodings: []string{EncodingHex, EncodingBase64},
		KeyFormat:          KeyFormatHexEd25519,
		Networks: map[string]*NetworkConfig{
			"mainnet": {Name: "mainnet", CAIP: "1"},
			"testnet": {Name: "testnet", CAIP: "2", Testnet: true},
		},
	},
}

func evmNetwork(name string, chainID int64, endpoint string, testnet bool) *NetworkConfig {
	return &NetworkConfig{
		Name:     name,
		ChainID:  big.NewInt(chainID),
		Endpoint: endpoint,
		CAIP:     big.NewInt(chainID).String(),
		Testnet:  testnet,
	}
}

func evmBlockchain(name string, networks ...*NetworkConfig) *BlockchainConfig {
	m := make(map[string]*NetworkConfig, len(networks))
	for _, n := range networks {
		m[n.Name] = n
	}
	return &BlockchainConfig{
		Name:               name,
		CAIPNamespace:      "eip155",
		DefaultEncoding:    EncodingHex,
		SupportedEncodings: []string{EncodingHex},
		KeyFormat:          KeyFormatEVMAddress,
		Implemented:        true,
		Networks:           m,
	}
}

// BlockchainByName returns the registry entry for name, case-insensitively,
// or nil if the blockchain is unknown.
func BlockchainByName(name string) *BlockchainConfig {
	return blockchains[strings.ToLower(strings.TrimSpace(name))]
}

// IsValidBlockchain reports whether name is a recognized blockchain.
func IsValidBlockchain(name string) bool {
	return BlockchainByName(name) != nil
}

// IsValidNetwork reports whether network is a recognized network of blockchain.
func IsValidNetwork(blockchain, network string) bool {
	return Network(blockchain, network) != nil
}

// Network returns the network config for (blockchain, network), or nil.
func Network(blockchain, network string) *NetworkConfig {
	bc := BlockchainByName(blockchain)
	if bc == nil {
		return nil
	}
	return bc.Networks[strings.ToLower(strings.TrimSpace(network))]
}

// Blockchains enumerates the registry in unspecified order.
func Blockchains() []*BlockchainConfig {
	out := make([]*BlockchainConfig, 0, len(blockchains))
	for _, bc := range blockchains {
		out = append(out, bc)
	}
	return out
}

// TestNetworks returns all (blockchain, network) pairs flagged as testnets.
func TestNetworks() map[string][]string {
	out := make(map[string][]string)
	for name, bc := range blockchains {
		for netName, net := range bc.Networks {
			if net.Testnet {
				out[name] = append(out[name], netName)
			}
		}
	}
	return out
}

// ProdNetworks returns all (blockchain, network) pairs not flagged as testnets.
func ProdNetworks() map[string][]string {
	out := make(map[string][]string)
	for name, bc := range blockchains {
		for netName, net := range bc.Networks {
			if !net.Testnet {
				out[name] = append(out[name], netName)
			}
		}
	}
	return out
}

// EVMNetworkByChainID routes an eip155 chain id to the registry entry that
// carries it. Returns ("", "") when no EVM network matches.
func EVMNetworkByChainID(chainID *big.Int) (blockchain, network string) {
	if chainID == nil {
		return "", ""
	}
	for name, bc := range blockchains {
		if bc.CAIPNamespace != "eip155" {
			continue
		}
		for netName, net := range bc.Networks {
			if net.ChainID != nil && net.ChainID.Cmp(chainID) == 0 {
				return name, netName
			}
		}
	}
	return "", ""
}

// NetworkByCAIP resolves a CAIP namespace:reference pair to a registry entry.
func NetworkByCAIP(namespace, reference string) (blockchain, network string) {
	for name, bc := range blockchains {
		if bc.CAIPNamespace != namespace {
			continue
		}
		for netName, net := range bc.Networks {
			if net.CAIP == reference {
				return name, netName
			}
		}
	}
	return "", ""
}

// Legacy Stellar network ids carried by first-generation clients.
var legacyStellarNetworks = map[int]string{
	0: "public",
	1: "testnet",
	2: "futurenet",
}

// LegacyStellarNetwork maps a legacy numeric id (0/1/2) to the canonical
// Stellar network name. ok is false for unknown ids.
func LegacyStellarNetwork(id int) (string, bool) {
	name, ok := legacyStellarNetworks[id]
	return name, ok
}

// LegacyStellarID is the inverse of LegacyStellarNetwork.
func LegacyStellarID(network string) (int, bool) {
	for id, name := range legacyStellarNetworks {
		if name == strings.ToLower(network) {
			return id, true
		}
	}
	return 0, false
}

// ApplyEndpointOverrides rewrites network endpoints from environment
// variables of the form REFRACTOR_ENDPOINT_<BLOCKCHAIN>_<NETWORK>.
// Called once at startup, before the registry is shared.
func ApplyEndpointOverrides() {
	for bcName, bc := range blockchains {
		for netName, net := range bc.Networks {
			key := "REFRACTOR_ENDPOINT_" + strings.ToUpper(bcName) + "_" + strings.ToUpper(netName)
			if v := os.Getenv(key); v != "" {
				net.Endpoint = v
			}
		}
	}
}
