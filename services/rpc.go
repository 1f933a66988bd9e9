package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"xandindexer/models"
)

const retryBaseDelay = 200 * time.Millisecond

// rpcTransport posts JSON-RPC 2.0 envelopes. Transport failures, 5xx and
// 429 are retried with doubling delay; RPC-level errors are not.
type rpcTransport struct {
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

func newRPCTransport(maxRetries int, logger *slog.Logger) *rpcTransport {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &rpcTransport{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// call posts method to url and returns the raw result. The timeout bounds
// all attempts together.
func (t *rpcTransport) call(ctx context.Context, url, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(models.RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		result, err := t.post(ctx, url, method, body)
		if err == nil || isNonRetryableError(err) || attempt >= t.maxRetries {
			return result, err
		}

		t.logger.Debug("rpc retry", "url", url, "method", method, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

type httpStatusError struct {
	Code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

func (t *rpcTransport) post(ctx context.Context, url, method string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w", method, &httpStatusError{Code: resp.StatusCode})
	}

	var rpcResp models.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return rpcResp.Result, nil
}

func isNonRetryableError(err error) bool {
	var rpcErr *models.RPCError
	if errors.As(err, &rpcErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code < 500 && statusErr.Code != http.StatusTooManyRequests
	}
	msg := err.Error()
	return strings.Contains(msg, "decode") || strings.Contains(msg, "empty result")
}

// pnodeRPCURL accepts "host:port", "host" or a full URL and returns the
// node's /rpc endpoint.
func pnodeRPCURL(endpoint string, defaultPort int) string {
	endpoint = strings.TrimSpace(endpoint)
	if strings.Contains(endpoint, "://") {
		endpoint = strings.TrimRight(endpoint, "/")
		if strings.HasSuffix(endpoint, "/rpc") {
			return endpoint
		}
		return endpoint + "/rpc"
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil && defaultPort > 0 {
		endpoint = net.JoinHostPort(endpoint, fmt.Sprint(defaultPort))
	}
	return "http://" + endpoint + "/rpc"
}
