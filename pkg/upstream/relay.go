package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dnsrelay/pkg/config"
	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
)

// RelayTransport speaks the JSON/base64/gzip batch-relay wire protocol
// directly using net/http + encoding/json + encoding/base64 +
// compress/gzip, with an explicit http.Transport construction
// (MaxIdleConns/IdleConnTimeout/TLSHandshakeTimeout) rather than the
// zero-value default client.

type relayItemRequest struct {
	ID string `json:"id"`
	Q  string `json:"q"`
}

type relayRequest struct {
	V     int                `json:"v"`
	ID    string             `json:"id"`
	Items []relayItemRequest `json:"items"`
}

type relayItemResponse struct {
	ID  string `json:"id"`
	OK  bool   `json:"ok"`
	A   string `json:"a,omitempty"`
	Err string `json:"err,omitempty"`
}

type relayResponse struct {
	V     int                 `json:"v"`
	ID    string              `json:"id"`
	Items []relayItemResponse `json:"items"`
}

// RelayTransport forwards single queries batched one-at-a-time through an
// HTTP relay endpoint speaking the "/v{N}/dns" JSON envelope.
type RelayTransport struct {
	cfg    config.RelayConfig
	client *http.Client

	metrics *metrics.Registry
	logger  *logging.Logger
}

// NewRelay builds a relay transport from its configuration, with explicit
// http.Transport tuning (MaxIdleConns/IdleConnTimeout/TLSHandshakeTimeout)
// rather than relying on http.DefaultTransport's settings.
func NewRelay(cfg config.RelayConfig, timeout time.Duration, reg *metrics.Registry, logger *logging.Logger) *RelayTransport {
	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &RelayTransport{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		metrics: reg,
		logger:  logger,
	}
}

func (t *RelayTransport) dnsURL() string {
	return relayURL(t.cfg, "dns")
}

// relayURL builds "{base_url}/v{api_version}/{segment}".
func relayURL(cfg config.RelayConfig, segment string) string {
	return strings.TrimRight(cfg.BaseURL, "/") + fmt.Sprintf("/v%d/%s", cfg.APIVersion, segment)
}

func (t *RelayTransport) inc(name string) {
	if t.metrics != nil {
		t.metrics.Inc(name)
	}
}

// Query sends wireQuery as the single item of a batch-of-one relay request
// and returns the decoded answer wire, or an error/nil per the Transport
// contract in interface.go.
func (t *RelayTransport) Query(ctx context.Context, wireQuery []byte, requestID string) ([]byte, error) {
	if len(wireQuery) > t.cfg.PerItemMaxWireBytes {
		t.inc(metrics.DroppedTotal)
		return nil, nil
	}

	payload := relayRequest{
		V:  t.cfg.APIVersion,
		ID: requestID,
		Items: []relayItemRequest{
			{ID: "0", Q: base64.StdEncoding.EncodeToString(wireQuery)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal request: %w", err)
	}
	if len(body) > t.cfg.MaxRequestBytes {
		t.inc(metrics.DroppedTotal)
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dnsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	t.inc(metrics.UpstreamRequestsTotal)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			t.inc(metrics.RelayTimeoutsTotal)
		} else {
			t.inc(metrics.RelayClientErrorsTotal)
		}
		return nil, fmt.Errorf("relay: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			t.inc(metrics.RelayHTTP4xxTotal)
		case resp.StatusCode >= 500 && resp.StatusCode < 600:
			t.inc(metrics.RelayHTTP5xxTotal)
		default:
			t.inc(metrics.RelayProtocolErrorsTotal)
		}
		return nil, nil
	}

	raw, err := readBody(resp, t.cfg.MaxResponseBytes)
	if err != nil {
		t.inc(metrics.RelayProtocolErrorsTotal)
		return nil, err
	}

	var decoded relayResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.inc(metrics.RelayProtocolErrorsTotal)
		return nil, fmt.Errorf("relay: invalid JSON response: %w", err)
	}
	if decoded.V != t.cfg.APIVersion {
		t.inc(metrics.RelayProtocolErrorsTotal)
		return nil, fmt.Errorf("relay: response version mismatch (client=%d, relay=%d)", t.cfg.APIVersion, decoded.V)
	}

	var item *relayItemResponse
	for i := range decoded.Items {
		if decoded.Items[i].ID == "0" {
			item = &decoded.Items[i]
			break
		}
	}
	if item == nil {
		t.inc(metrics.RelayProtocolErrorsTotal)
		return nil, fmt.Errorf("relay: response missing item")
	}
	if !item.OK {
		if t.logger != nil {
			t.logger.Debug("relay item error", "err", item.Err)
		}
		return nil, nil
	}

	answer, err := base64.StdEncoding.DecodeString(item.A)
	if err != nil {
		t.inc(metrics.RelayProtocolErrorsTotal)
		return nil, fmt.Errorf("relay: invalid base64 payload: %w", err)
	}
	return answer, nil
}

// readBody reads resp.Body (transparently gzip-decoding when the server
// honored our Accept-Encoding), enforcing maxBytes.
func readBody(resp *http.Response, maxBytes int) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("relay: gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	limited := io.LimitReader(reader, int64(maxBytes)+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("relay: read response body: %w", err)
	}
	if len(raw) > maxBytes {
		return nil, fmt.Errorf("relay: response exceeds max_response_bytes (%d)", maxBytes)
	}
	return raw, nil
}

// infoResponse mirrors the /v{N}/info negotiated-limits payload.
type infoResponse struct {
	V      int `json:"v"`
	Limits struct {
		MaxItems            int `json:"max_items"`
		MaxRequestBytes     int `json:"max_request_bytes"`
		PerItemMaxWireBytes int `json:"per_item_max_wire_bytes"`
		MaxResponseBytes    int `json:"max_response_bytes"`
	} `json:"limits"`
}
