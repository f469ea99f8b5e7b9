/*
Package gestaoclick is a read-only HTTP client for the Gestão Click ERP API.

ENDPOINTS USED:
  GET /vendas/{id}                                     One sale
  GET /vendas?data_inicio=&data_fim=&pagina=           Paginated listing

  Every response is wrapped:
    {"code": 200, "status": "success", "meta": {...}, "data": ...}

AUTHENTICATION:
  Two static headers, access-token and secret-access-token. Both are
  sensitive and never logged.

SEE ALSO:
  - ingest/client.go: SalesAPI, the interface this client satisfies
*/
package gestaoclick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp/wallet-ledger/ingest"
)

const DefaultBaseURL = "https://api.gestaoclick.com"

var ErrNotConfigured = errors.New("gestaoclick: access token and secret token are required")

type ClientConfig struct {
	BaseURL string

	AccessToken string
	// SecretToken is SENSITIVE - never log it.
	SecretToken string

	// HTTPClient is optional (tests inject httptest clients).
	HTTPClient *http.Client

	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	secretToken string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.AccessToken == "" || cfg.SecretToken == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     base,
		accessToken: cfg.AccessToken,
		secretToken: cfg.SecretToken,
	}, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

type envelope[T any] struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Meta   meta   `json:"meta"`
	Data   T      `json:"data"`
}

type meta struct {
	TotalRecords int `json:"total_registros"`
	TotalPages   int `json:"total_paginas"`
	CurrentPage  int `json:"pagina_atual"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gestaoclick: status %d: %s", e.StatusCode, e.Body)
}

// =============================================================================
// SALES
// =============================================================================

// GetSale returns one sale. A 404 or an empty body wraps
// ingest.ErrSaleNotFound.
func (c *Client) GetSale(ctx context.Context, id string) (ingest.Sale, error) {
	resp, err := doGet[envelope[*ingest.Sale]](ctx, c, "/vendas/"+url.PathEscape(id), nil)
	if err != nil {
		return ingest.Sale{}, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return ingest.Sale{}, fmt.Errorf("sale %s: %w", id, ingest.ErrSaleNotFound)
	}
	return *resp.Data, nil
}

// ListSales returns one page of sales dated within [from, to].
func (c *Client) ListSales(ctx context.Context, from, to time.Time, page int) (ingest.SalePage, error) {
	if page < 1 {
		page = 1
	}
	query := url.Values{
		"data_inicio": {from.Format("2006-01-02")},
		"data_fim":    {to.Format("2006-01-02")},
		"pagina":      {fmt.Sprint(page)},
	}
	resp, err := doGet[envelope[[]ingest.Sale]](ctx, c, "/vendas", query)
	if err != nil {
		if errors.Is(err, ingest.ErrSaleNotFound) {
			return ingest.SalePage{Page: page, TotalPages: page}, nil
		}
		return ingest.SalePage{}, err
	}
	total := resp.Meta.TotalPages
	if total < page {
		total = page
	}
	return ingest.SalePage{Sales: resp.Data, Page: page, TotalPages: total}, nil
}

func doGet[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("secret-access-token", c.secretToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", path, ingest.ErrSaleNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &out, nil
}

var _ ingest.SalesAPI = (*Client)(nil)
