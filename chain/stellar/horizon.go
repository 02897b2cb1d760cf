package stellar

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stellar/go/clients/horizonclient"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/params"
)

// horizonSource fetches account schemas from the Horizon instance registered
// for each network. Clients are built lazily, one per network.
type horizonSource struct {
	mu      sync.Mutex
	clients map[string]*horizonclient.Client
}

func (s *horizonSource) client(network string) (*horizonclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[network]; ok {
		return c, nil
	}
	net := params.Network("stellar", network)
	if net == nil || net.Endpoint == "" {
		return nil, fmt.Errorf("%w: no horizon endpoint for stellar:%s", chain.ErrInvalidInput, network)
	}
	c := &horizonclient.Client{
		HorizonURL: net.Endpoint,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
	s.clients[network] = c
	return c, nil
}

func (s *horizonSource) Schema(ctx context.Context, network, account string) (*AccountSchema, error) {
	c, err := s.client(network)
	if err != nil {
		return nil, err
	}
	detail, err := c.AccountDetail(horizonclient.AccountRequest{AccountID: account})
	if err != nil {
		// An account Horizon has never seen still signs for itself with its
		// master key.
		if herr := horizonclient.GetError(err); herr != nil && herr.Problem.Status == http.StatusNotFound {
			return &AccountSchema{
				Address:   account,
				Signers:   []SchemaSigner{{Key: account, Weight: 1}},
				Threshold: 1,
			}, nil
		}
		return nil, fmt.Errorf("%w: horizon %s: %v", chain.ErrTransientBackend, network, err)
	}
	schema := &AccountSchema{
		Address:   account,
		Threshold: int32(detail.Thresholds.MedThreshold),
	}
	for _, signer := range detail.Signers {
		if signer.Weight > 0 {
			schema.Signers = append(schema.Signers, SchemaSigner{Key: signer.Key, Weight: signer.Weight})
		}
	}
	return schema, nil
}
