package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/storage"
)

// CallbackTimeout bounds one callback POST.
const CallbackTimeout = 30 * time.Second

// CallbackClient posts completed records to client-supplied URLs. A global
// rate limiter keeps a burst of finalizations from hammering one endpoint.
type CallbackClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewCallbackClient builds a client allowing sustained rps with the given
// burst.
func NewCallbackClient(rps float64, burst int) *CallbackClient {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &CallbackClient{
		http:    &http.Client{Timeout: CallbackTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Post delivers the record JSON. Any 2xx is success; other statuses map to
// HTTPStatusError so the queue's retry policy applies.
func (c *CallbackClient) Post(ctx context.Context, url string, rec *storage.TransactionRecord) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("callback marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("callback post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &queue.HTTPStatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}
