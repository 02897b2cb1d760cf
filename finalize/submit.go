// Package finalize drives ready records to completion: a periodic loop
// claims them, a worker task submits to the chain and posts the callback,
// and a sweep fails expired records.
package finalize

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stellar/go/clients/horizonclient"

	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/storage"
)

// RPCTimeout bounds one chain submission call.
const RPCTimeout = 30 * time.Second

// Submitter sends a completed transaction to its network.
type Submitter interface {
	Submit(ctx context.Context, rec *storage.TransactionRecord) error
}

// Router dispatches submissions to the per-chain submitter.
type Router struct {
	submitters map[string]Submitter
}

// NewRouter builds a router over a blockchain→submitter map.
func NewRouter(submitters map[string]Submitter) *Router {
	return &Router{submitters: submitters}
}

func (r *Router) Submit(ctx context.Context, rec *storage.TransactionRecord) error {
	s, ok := r.submitters[rec.Blockchain]
	if !ok {
		return fmt.Errorf("finalize: no submitter for blockchain %q", rec.Blockchain)
	}
	return s.Submit(ctx, rec)
}

// StellarSubmitter posts envelopes to the Horizon instance registered for
// each network.
type StellarSubmitter struct {
	mu      sync.Mutex
	clients map[string]horizonclient.ClientInterface
}

// NewStellarSubmitter returns a submitter using registry endpoints.
func NewStellarSubmitter() *StellarSubmitter {
	return &StellarSubmitter{clients: make(map[string]horizonclient.ClientInterface)}
}

func (s *StellarSubmitter) client(network string) (horizonclient.ClientInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[network]; ok {
		return c, nil
	}
	net := params.Network("stellar", network)
	if net == nil || net.Endpoint == "" {
		return nil, fmt.Errorf("finalize: no horizon endpoint for stellar:%s", network)
	}
	c := &horizonclient.Client{
		HorizonURL: net.Endpoint,
		HTTP:       &http.Client{Timeout: RPCTimeout},
	}
	s.clients[network] = c
	return c, nil
}

func (s *StellarSubmitter) Submit(ctx context.Context, rec *storage.TransactionRecord) error {
	c, err := s.client(rec.NetworkName)
	if err != nil {
		return err
	}
	if _, err := c.SubmitTransactionXDR(rec.Payload); err != nil {
		if herr := horizonclient.GetError(err); herr != nil {
			status := herr.Problem.Status
			if status >= 500 || status == http.StatusTooManyRequests {
				return fmt.Errorf("horizon submit: %w", &queue.HTTPStatusError{Code: status, URL: "horizon:" + rec.NetworkName})
			}
			return fmt.Errorf("horizon rejected transaction %s: %v", rec.Hash, herr.Problem.Title)
		}
		return fmt.Errorf("horizon submit %s: %w", rec.Hash, err)
	}
	return nil
}

// OneMoneySubmitter posts finished envelopes to the 1Money REST gateway.
type OneMoneySubmitter struct {
	http *http.Client
}

// NewOneMoneySubmitter returns a submitter using registry endpoints.
func NewOneMoneySubmitter() *OneMoneySubmitter {
	return &OneMoneySubmitter{http: &http.Client{Timeout: RPCTimeout}}
}

func (s *OneMoneySubmitter) Submit(ctx context.Context, rec *storage.TransactionRecord) error {
	net := params.Network("onemoney", rec.NetworkName)
	if net == nil || net.Endpoint == "" {
		return fmt.Errorf("finalize: no endpoint for onemoney:%s", rec.NetworkName)
	}
	url := net.Endpoint + "/v1/transactions"
	body := strings.NewReader(`{"tx":` + strconv.Quote(rec.Payload) + `}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("onemoney submit %s: %w", rec.Hash, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("onemoney submit %s: %w", rec.Hash, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("onemoney submit: %w", &queue.HTTPStatusError{Code: resp.StatusCode, URL: url})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("onemoney rejected transaction %s: status %d", rec.Hash, resp.StatusCode)
	}
	return nil
}

// EVMSubmitter broadcasts raw transactions over JSON-RPC. One submitter
// serves all eip155 blockchains; the record names the chain and network.
type EVMSubmitter struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewEVMSubmitter returns a submitter using registry endpoints.
func NewEVMSubmitter() *EVMSubmitter {
	return &EVMSubmitter{clients: make(map[string]*rpc.Client)}
}

func (s *EVMSubmitter) client(ctx context.Context, blockchain, network string) (*rpc.Client, error) {
	key := blockchain + ":" + network
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	net := params.Network(blockchain, network)
	if net == nil || net.Endpoint == "" {
		return nil, fmt.Errorf("finalize: no rpc endpoint for %s", key)
	}
	c, err := rpc.DialContext(ctx, net.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("finalize: dial %s: %w", key, err)
	}
	s.clients[key] = c
	return c, nil
}

func (s *EVMSubmitter) Submit(ctx context.Context, rec *storage.TransactionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	c, err := s.client(ctx, rec.Blockchain, rec.NetworkName)
	if err != nil {
		return err
	}
	var txHash string
	if err := c.CallContext(ctx, &txHash, "eth_sendRawTransaction", rec.Payload); err != nil {
		return fmt.Errorf("eth_sendRawTransaction %s: %w", rec.Hash, err)
	}
	return nil
}
