package zabbix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

// Client is a Zabbix API client
type Client struct {
	cfg        *config.Config
	log        *zap.Logger
	httpClient *http.Client
	authToken  string
	apiVersion string
	requestID  int64
}

// NewClient creates a new Zabbix API client
func NewClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Zabbix.VerifySSL, //nolint:gosec // G402: user-configurable option, defaults to VerifySSL=true
		},
	}

	c := &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout:   config.Seconds(cfg.Settings.Timeout),
			Transport: otelhttp.NewTransport(transport),
		},
	}

	// apiinfo.version does not require auth
	ver, err := c.GetAPIVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get API version: %w", err)
	}
	c.apiVersion = ver
	c.log.Debug("Detected Zabbix API version", zap.String("version", ver))

	if err := c.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return c, nil
}

// authenticate logs in to the Zabbix API. 5.4 renamed the "user" parameter
// to "username" and 6.4 dropped the old name.
func (c *Client) authenticate(ctx context.Context) error {
	userKey := "user"
	if c.getAPIVersionFloat() >= 5.4 {
		userKey = "username"
	}
	params := map[string]string{
		userKey:    c.cfg.Zabbix.APIUser,
		"password": c.cfg.Zabbix.APIPassword,
	}

	result, err := c.call(ctx, "user.login", params)
	if err != nil {
		return err
	}

	token, ok := result.(string)
	if !ok {
		return fmt.Errorf("unexpected auth response type: %T", result)
	}

	c.authToken = token
	c.log.Debug("Authenticated with Zabbix API")
	return nil
}

// bearerAuth reports whether the token travels in the Authorization header
// (6.4+) instead of the request body.
func (c *Client) bearerAuth() bool {
	return c.getAPIVersionFloat() >= 6.4
}

// call makes a JSON-RPC call to the Zabbix API
func (c *Client) call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	reqID := atomic.AddInt64(&c.requestID, 1)

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      reqID,
	}

	authed := c.authToken != "" && method != "user.login" && method != "apiinfo.version"
	if authed && !c.bearerAuth() {
		reqBody["auth"] = c.authToken
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.log.Debug("Calling Zabbix API", zap.String("method", method), zap.Int64("id", reqID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ZabbixAPIURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	if authed && c.bearerAuth() {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, apiResp.Error
	}

	return apiResp.Result, nil
}

// GetAPIVersion returns the Zabbix API version
func (c *Client) GetAPIVersion(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "apiinfo.version", []string{})
	if err != nil {
		return "", err
	}
	version, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected API version type: %T", result)
	}
	return version, nil
}

// getAPIVersionFloat parses the stored API version string (e.g. "6.4.1") into
// a float like 6.4 for version-aware branching.
func (c *Client) getAPIVersionFloat() float64 {
	parts := strings.SplitN(c.apiVersion, ".", 3)
	if len(parts) >= 2 {
		v, _ := strconv.ParseFloat(parts[0]+"."+parts[1], 64)
		return v
	}
	return 0
}

// Close logs out from the Zabbix API
func (c *Client) Close(ctx context.Context) error {
	if c.authToken == "" {
		return nil
	}

	_, err := c.call(ctx, "user.logout", []string{})
	c.authToken = ""
	return err
}

func decode[T any](result interface{}) ([]T, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return out, nil
}

// unixTime renders t the way the API expects timestamps.
func unixTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
