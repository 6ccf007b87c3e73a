package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dnsrelay/pkg/config"
	"dnsrelay/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig(baseURL string) config.RelayConfig {
	return config.RelayConfig{
		BaseURL:             baseURL,
		APIVersion:          1,
		MaxItems:            32,
		MaxRequestBytes:     65536,
		PerItemMaxWireBytes: 4096,
		MaxResponseBytes:    262144,
	}
}

func TestRelayTransport_QuerySuccess(t *testing.T) {
	wireAnswer := []byte("fake-dns-wire-answer")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/dns", r.URL.Path)
		var req relayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 1)

		resp := relayResponse{
			V:  1,
			ID: req.ID,
			Items: []relayItemResponse{
				{ID: "0", OK: true, A: base64.StdEncoding.EncodeToString(wireAnswer)},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	reg := metrics.New()
	rt := NewRelay(testRelayConfig(srv.URL), 2*time.Second, reg, nil)

	got, err := rt.Query(context.Background(), []byte("query-wire"), "req-1")
	require.NoError(t, err)
	assert.Equal(t, wireAnswer, got)
	assert.Equal(t, int64(1), reg.Get(metrics.UpstreamRequestsTotal))
}

func TestRelayTransport_ItemErrorReturnsNilNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := relayResponse{
			V:  1,
			ID: "x",
			Items: []relayItemResponse{
				{ID: "0", OK: false, Err: "upstream nxdomain"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	rt := NewRelay(testRelayConfig(srv.URL), 2*time.Second, metrics.New(), nil)
	got, err := rt.Query(context.Background(), []byte("q"), "req-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRelayTransport_HTTP5xxCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := metrics.New()
	rt := NewRelay(testRelayConfig(srv.URL), 2*time.Second, reg, nil)

	got, err := rt.Query(context.Background(), []byte("q"), "req-3")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), reg.Get(metrics.RelayHTTP5xxTotal))
}

func TestRelayTransport_VersionMismatchIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := relayResponse{V: 2, ID: "x", Items: []relayItemResponse{{ID: "0", OK: true, A: "AA=="}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	reg := metrics.New()
	rt := NewRelay(testRelayConfig(srv.URL), 2*time.Second, reg, nil)

	_, err := rt.Query(context.Background(), []byte("q"), "req-4")
	assert.Error(t, err)
	assert.Equal(t, int64(1), reg.Get(metrics.RelayProtocolErrorsTotal))
}

func TestRelayTransport_OversizeQueryIsDroppedNotSent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	cfg := testRelayConfig(srv.URL)
	cfg.PerItemMaxWireBytes = 4

	reg := metrics.New()
	rt := NewRelay(cfg, 2*time.Second, reg, nil)

	got, err := rt.Query(context.Background(), []byte("too-long-a-query"), "req-5")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, called, "oversize query must never reach the relay")
	assert.Equal(t, int64(1), reg.Get(metrics.DroppedTotal))
}

func TestCheckRelayStartup_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/info", r.URL.Path)
		info := infoResponse{V: 1}
		info.Limits.MaxItems = 64
		info.Limits.MaxRequestBytes = 131072
		info.Limits.PerItemMaxWireBytes = 8192
		info.Limits.MaxResponseBytes = 524288
		_ = json.NewEncoder(w).Encode(info)
	}))
	defer srv.Close()

	err := CheckRelayStartup(context.Background(), testRelayConfig(srv.URL), http.DefaultClient)
	assert.NoError(t, err)
}

func TestCheckRelayStartup_LimitIncompatibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := infoResponse{V: 1}
		info.Limits.MaxItems = 8 // relay advertises less than our configured 32
		info.Limits.MaxRequestBytes = 131072
		info.Limits.PerItemMaxWireBytes = 8192
		info.Limits.MaxResponseBytes = 524288
		_ = json.NewEncoder(w).Encode(info)
	}))
	defer srv.Close()

	err := CheckRelayStartup(context.Background(), testRelayConfig(srv.URL), http.DefaultClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_items")
}

func TestCheckRelayStartup_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := CheckRelayStartup(context.Background(), testRelayConfig(srv.URL), http.DefaultClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}
