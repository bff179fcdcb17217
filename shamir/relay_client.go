package shamir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

// Relay wire routes.
const (
	RouteApplyServerLock  = "/vrf/apply-server-lock"
	RouteRemoveServerLock = "/vrf/remove-server-lock"
	RouteKeyInfo          = "/shamir/key-info"
)

// HTTPRelay talks to the relay server over HTTP/JSON.
type HTTPRelay struct {
	baseURL    string
	httpClient *http.Client
	ctx        context.Context
}

// HTTPRelayConfig holds relay transport configuration.
type HTTPRelayConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewHTTPRelay creates a relay transport. Timeout defaults to 10s.
func NewHTTPRelay(cfg HTTPRelayConfig) (*HTTPRelay, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("relay base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPRelay{baseURL: base, httpClient: httpClient, ctx: context.Background()}, nil
}

// WithContext returns a copy of the transport bound to ctx.
func (r *HTTPRelay) WithContext(ctx context.Context) *HTTPRelay {
	clone := *r
	clone.ctx = ctx
	return &clone
}

type applyServerLockRequest struct {
	KekCB64u string `json:"kek_c_b64u"`
}

type applyServerLockResponse struct {
	KekCsB64u string `json:"kek_cs_b64u"`
	KeyID     string `json:"keyId"`
}

type removeServerLockRequest struct {
	KekStB64u string `json:"kek_st_b64u"`
	KeyID     string `json:"keyId"`
}

type removeServerLockResponse struct {
	KekTB64u string `json:"kek_t_b64u"`
}

// ApplyServerLock implements Relay.
func (r *HTTPRelay) ApplyServerLock(kekCB64u string) (string, string, error) {
	var res applyServerLockResponse
	err := r.post(RouteApplyServerLock, applyServerLockRequest{KekCB64u: kekCB64u}, &res)
	if err != nil {
		return "", "", err
	}
	return res.KekCsB64u, res.KeyID, nil
}

// RemoveServerLock implements Relay. An HTTP 400 means the key id is unknown
// to both the active and grace keys.
func (r *HTTPRelay) RemoveServerLock(kekStB64u, keyID string) (string, error) {
	var res removeServerLockResponse
	err := r.post(RouteRemoveServerLock, removeServerLockRequest{KekStB64u: kekStB64u, KeyID: keyID}, &res)
	if err != nil {
		if se, ok := errors.AsServiceError(err); ok && se.HTTPStatus == http.StatusBadRequest {
			return "", errors.UnknownKeyID(keyID)
		}
		return "", err
	}
	return res.KekTB64u, nil
}

// KeyInfo implements Relay.
func (r *HTTPRelay) KeyInfo() (*KeyInfo, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.baseURL+RouteKeyInfo, nil)
	if err != nil {
		return nil, errors.RelayFailed(RouteKeyInfo, err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Unavailable("relay", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.RelayFailed(RouteKeyInfo, fmt.Errorf("status %d", resp.StatusCode))
	}
	var info KeyInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, errors.RelayFailed(RouteKeyInfo, err)
	}
	return &info, nil
}

func (r *HTTPRelay) post(route string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Internal("marshal relay request", err)
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodPost, r.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return errors.RelayFailed(route, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return errors.Unavailable("relay", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := errors.RelayFailed(route, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		se.HTTPStatus = resp.StatusCode
		return se
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return errors.RelayFailed(route, err)
	}
	return nil
}
