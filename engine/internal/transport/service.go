package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/opsmgr/control-plane/engine/models"
)

// TokenHeader carries the sprite service auth token.
const TokenHeader = "X-Ops-Token"

// Default per-operation timeouts.
const (
	DefaultReadTimeout    = 5 * time.Second
	DefaultControlTimeout = 30 * time.Second
)

// ServiceClient is the sprite_service adapter: the same three operations as
// Local, spoken over the sprite HTTP service.
type ServiceClient struct {
	baseURL        string
	tokenEnv       string
	httpClient     *http.Client
	readTimeout    time.Duration
	controlTimeout time.Duration
}

// ServiceClientOptions tunes a ServiceClient beyond its registry entry.
type ServiceClientOptions struct {
	HTTPClient     *http.Client
	ReadTimeout    time.Duration
	ControlTimeout time.Duration
}

// NewServiceClient builds the adapter for a registry ServiceTarget. The token
// is resolved from the named environment variable at call time so rotation
// never requires reloading the registry.
func NewServiceClient(target models.ServiceTarget, opts ServiceClientOptions) *ServiceClient {
	c := &ServiceClient{
		baseURL:        target.BaseURL,
		tokenEnv:       target.TokenEnv,
		httpClient:     opts.HTTPClient,
		readTimeout:    opts.ReadTimeout,
		controlTimeout: opts.ControlTimeout,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.readTimeout <= 0 {
		c.readTimeout = DefaultReadTimeout
	}
	if c.controlTimeout <= 0 {
		c.controlTimeout = DefaultControlTimeout
	}
	return c
}

func (c *ServiceClient) Kind() models.TransportKind { return models.TransportService }

func (c *ServiceClient) token() string {
	if c.tokenEnv != "" {
		if v := os.Getenv(c.tokenEnv); v != "" {
			return v
		}
	}
	return os.Getenv("OPS_MANAGER_SERVICE_TOKEN")
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ServiceClient) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(TokenHeader, c.token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("%w: %s", ErrNotFound, eb.Error.Message)
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("%w: http %d %s %s", ErrUnreachable, resp.StatusCode, eb.Error.Code, eb.Error.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnreachable, err)
		}
	}
	return nil
}

// Snapshot implements Transport.
func (c *ServiceClient) Snapshot(ctx context.Context, loopID string) (models.LoopRunSnapshot, error) {
	var snap models.LoopRunSnapshot
	q := url.Values{"loopId": {loopID}}
	if err := c.do(ctx, c.readTimeout, http.MethodGet, "/ops/snapshot", q, nil, &snap); err != nil {
		return models.LoopRunSnapshot{}, err
	}
	return snap, nil
}

// Events implements Transport.
func (c *ServiceClient) Events(ctx context.Context, loopID string, cursor models.Cursor, maxEvents int) (EventsResult, error) {
	var res EventsResult
	q := url.Values{
		"loopId":    {loopID},
		"cursor":    {strconv.FormatInt(cursor.EventLineOffset, 10)},
		"maxEvents": {strconv.Itoa(maxEvents)},
	}
	if err := c.do(ctx, c.readTimeout, http.MethodGet, "/ops/events", q, nil, &res); err != nil {
		return EventsResult{}, err
	}
	return res, nil
}

// Control implements Transport.
func (c *ServiceClient) Control(ctx context.Context, req ControlRequest) (models.ControlOutcome, error) {
	var outcome models.ControlOutcome
	if err := c.do(ctx, c.controlTimeout, http.MethodPost, "/ops/control", nil, req, &outcome); err != nil {
		return models.ControlOutcome{}, err
	}
	return outcome, nil
}
