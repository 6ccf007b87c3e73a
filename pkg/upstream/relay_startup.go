package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"dnsrelay/pkg/config"
)

// CheckRelayStartup performs the negotiated-limits handshake against
// "/v{N}/info": fetch /info, validate the API version and every limit
// field, and reject if the client's configured limits exceed what the
// relay advertises it can handle.
func CheckRelayStartup(ctx context.Context, cfg config.RelayConfig, client *http.Client) error {
	url := relayURL(cfg, "info")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("relay startup check: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay startup check: %s unreachable: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("relay startup check: auth failed (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay startup check: %s returned HTTP %d", url, resp.StatusCode)
	}

	raw, err := readBody(resp, cfg.MaxResponseBytes)
	if err != nil {
		return fmt.Errorf("relay startup check: %w", err)
	}

	var info infoResponse
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("relay startup check: invalid JSON: %w", err)
	}
	if info.V != cfg.APIVersion {
		return fmt.Errorf("relay startup check: API version mismatch (client=%d, relay=%d)", cfg.APIVersion, info.V)
	}

	return checkLimitCompatibility(cfg, info)
}

func checkLimitCompatibility(cfg config.RelayConfig, info infoResponse) error {
	type mismatch struct {
		name          string
		client, relay int
	}
	var mismatches []mismatch
	if cfg.MaxItems > info.Limits.MaxItems {
		mismatches = append(mismatches, mismatch{"max_items", cfg.MaxItems, info.Limits.MaxItems})
	}
	if cfg.MaxRequestBytes > info.Limits.MaxRequestBytes {
		mismatches = append(mismatches, mismatch{"max_request_bytes", cfg.MaxRequestBytes, info.Limits.MaxRequestBytes})
	}
	if cfg.PerItemMaxWireBytes > info.Limits.PerItemMaxWireBytes {
		mismatches = append(mismatches, mismatch{"per_item_max_wire_bytes", cfg.PerItemMaxWireBytes, info.Limits.PerItemMaxWireBytes})
	}
	if cfg.MaxResponseBytes > info.Limits.MaxResponseBytes {
		mismatches = append(mismatches, mismatch{"max_response_bytes", cfg.MaxResponseBytes, info.Limits.MaxResponseBytes})
	}
	if len(mismatches) == 0 {
		return nil
	}

	err := fmt.Errorf("relay startup check: limits incompatible")
	for _, m := range mismatches {
		err = fmt.Errorf("%w; %s (client=%d, relay=%d)", err, m.name, m.client, m.relay)
	}
	return err
}
