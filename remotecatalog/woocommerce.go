package remotecatalog

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/welllife1010/catalog-sync/ratelimit"
)

// batchCap is the WooCommerce REST API's server-side limit on the number
// of items accepted in a single /products/batch call, a supplemented
// detail of section 4.2 of the spec (the spec leaves the cap unspecified;
// the platform itself enforces it).
const batchCap = 100

// bulkUpdateAttempts and bulkUpdateBaseDelay implement the bulk-update
// retry loop of section 4.5 of the spec: 5 attempts, exponential backoff
// base 1s, doubling again on a 524.
const (
	bulkUpdateAttempts  = 5
	bulkUpdateBaseDelay = time.Second
)

// NewHTTPClient builds the http.Client used for every outbound call to
// the remote catalog.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{}},
	}
}

// WooCommerceClient implements Catalog against a WooCommerce-shaped REST
// API (section 4.2 of the spec), authenticating with HTTP Basic Auth via
// a consumer key/secret pair, and routing every call through a RateGate.
type WooCommerceClient struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
	gate           *ratelimit.Gate
	logger         zerolog.Logger
}

// NewWooCommerceClient creates a WooCommerceClient.
func NewWooCommerceClient(baseURL, consumerKey, consumerSecret string, httpClient *http.Client, gate *ratelimit.Gate, logger zerolog.Logger) *WooCommerceClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	return &WooCommerceClient{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		httpClient:     httpClient,
		gate:           gate,
		logger:         logger,
	}
}

type wooMetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wooProduct struct {
	ID          int64          `json:"id"`
	SKU         string         `json:"sku"`
	Description string         `json:"description"`
	MetaData    []wooMetaEntry `json:"meta_data"`
}

type wooBatchUpdateRequest struct {
	Update []wooProductUpdate `json:"update"`
}

type wooProductUpdate struct {
	ID          int64          `json:"id"`
	SKU         string         `json:"sku,omitempty"`
	Description string         `json:"description,omitempty"`
	MetaData    []wooMetaEntry `json:"meta_data,omitempty"`
}

type wooBatchUpdateResponse struct {
	Update []wooProduct `json:"update"`
}

// LookupIDByPartNumber implements Catalog.LookupIDByPartNumber by
// searching /products?sku=<partNumber>, per section 4.2 of the spec. A
// transient transport error is retried under the RateGate's backoff
// policy; an empty result set fails permanently with ErrNotFound.
func (c *WooCommerceClient) LookupIDByPartNumber(ctx context.Context, partNumber string) (string, error) {
	var remoteID string
	err := c.callWithRetry(ctx, partNumber, "lookup", func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/products", map[string]string{"sku": partNumber})
		if err != nil {
			return err
		}
		var products []wooProduct
		if err := c.doJSON(req, &products); err != nil {
			return err
		}
		if len(products) == 0 {
			return ErrNotFound
		}
		remoteID = fmt.Sprintf("%d", products[0].ID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return remoteID, nil
}

// FetchByID implements Catalog.FetchByID by requesting /products/{id},
// per section 4.2 of the spec. On transport error after the retry
// policy gives up, it fails with ErrFetchFailed.
func (c *WooCommerceClient) FetchByID(ctx context.Context, remoteID string) (CanonicalProduct, error) {
	var product CanonicalProduct
	err := c.callWithRetry(ctx, remoteID, "fetch", func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/products/"+remoteID, nil)
		if err != nil {
			return err
		}
		var p wooProduct
		if err := c.doJSON(req, &p); err != nil {
			return err
		}
		product = CanonicalProduct{
			RemoteID:    fmt.Sprintf("%d", p.ID),
			SKU:         p.SKU,
			Description: p.Description,
			MetaEntries: fromWooMeta(p.MetaData),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CanonicalProduct{}, err
		}
		return CanonicalProduct{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return product, nil
}

// callWithRetry schedules fn under the RateGate and, on a transient
// failure, retries up to the Gate's MaxAttempts using its backoff
// policy. A non-transient failure (including ErrNotFound) returns
// immediately without retry.
func (c *WooCommerceClient) callWithRetry(ctx context.Context, id, opContext string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < ratelimit.MaxAttempts; attempt++ {
		err := c.gate.Schedule(ctx, ratelimit.Options{ID: id, Context: opContext}, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry := c.gate.OnFailure(err, attempt, bulkUpdateBaseDelay)
		if !retry {
			return lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// BulkUpdate implements Catalog.BulkUpdate by POSTing to
// /products/batch, chunked to the platform's batchCap, per section 4.2
// of the spec. Each chunk owns its own 5-attempt retry loop consulting
// the RateGate's backoff policy, with the delay doubled again on a 524
// as specified in section 4.5.
func (c *WooCommerceClient) BulkUpdate(ctx context.Context, payloads []UpdatePayload) error {
	for start := 0; start < len(payloads); start += batchCap {
		end := start + batchCap
		if end > len(payloads) {
			end = len(payloads)
		}
		if err := c.bulkUpdateChunk(ctx, payloads[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *WooCommerceClient) bulkUpdateChunk(ctx context.Context, payloads []UpdatePayload) error {
	body := wooBatchUpdateRequest{Update: make([]wooProductUpdate, len(payloads))}
	for i, p := range payloads {
		body.Update[i] = toWooUpdate(p)
	}

	var lastErr error
	for attempt := 0; attempt < bulkUpdateAttempts; attempt++ {
		err := c.gate.Schedule(ctx, ratelimit.Options{ID: "bulk-update", Context: "bulk-update"}, func(ctx context.Context) error {
			req, err := c.newJSONRequest(ctx, http.MethodPost, "/products/batch", body)
			if err != nil {
				return err
			}
			var resp wooBatchUpdateResponse
			return c.doJSON(req, &resp)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry := c.gate.OnFailure(err, attempt, bulkUpdateBaseDelay)
		if !retry {
			break
		}
		if statusErr, ok := err.(ratelimit.StatusError); ok && statusErr.StatusCode() == 524 {
			delay *= 2
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	failures := make([]BulkFailure, len(payloads))
	for i, p := range payloads {
		failures[i] = BulkFailure{PartNumber: p.PartNumber, RemoteID: p.RemoteID}
	}
	return &BulkUpdateError{Failures: failures, Err: lastErr}
}

func toWooUpdate(p UpdatePayload) wooProductUpdate {
	id, _ := strconv.ParseInt(p.RemoteID, 10, 64)
	return wooProductUpdate{
		ID:          id,
		SKU:         p.SKU,
		Description: p.Description,
		MetaData:    toWooMeta(p.MetaEntries),
	}
}

func toWooMeta(entries []MetaEntry) []wooMetaEntry {
	out := make([]wooMetaEntry, len(entries))
	for i, e := range entries {
		out[i] = wooMetaEntry{Key: e.Key, Value: e.Value}
	}
	return out
}

func fromWooMeta(entries []wooMetaEntry) []MetaEntry {
	out := make([]MetaEntry, len(entries))
	for i, e := range entries {
		out[i] = MetaEntry{Key: e.Key, Value: e.Value}
	}
	return out
}

func (c *WooCommerceClient) newRequest(ctx context.Context, method, path string, query map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("remotecatalog: building request for %s: %w", path, err)
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	return req, nil
}

func (c *WooCommerceClient) newJSONRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remotecatalog: encoding request body for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("remotecatalog: building request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	return req, nil
}

// statusError wraps an HTTP status code so ratelimit.IsTransient can
// classify it without depending on this package.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remotecatalog: unexpected status %d: %s", e.status, e.body)
}

func (e *statusError) StatusCode() int { return e.status }

func (c *WooCommerceClient) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remotecatalog: request to %s failed: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remotecatalog: reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode, body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remotecatalog: decoding response from %s: %w", req.URL.Path, err)
	}
	return nil
}
