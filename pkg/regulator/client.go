package regulator

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/maisonpos/fiscalcore/pkg/crypto"
)

// Fixed endpoint paths on the regulator base URL.
const (
	PathTransaction = "/transaction"
	PathClosing     = "/closing"
	PathEnrollment  = "/enrolement"
)

// Client performs mutually-authenticated POSTs to the regulator. It never
// retries internally; retry policy belongs to the queue worker.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ClientOption mutates client construction.
type ClientOption func(*Client)

// WithTimeout overrides the default 30 s request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRateLimit caps outbound requests per second (process-local pacing; the
// regulator additionally enforces its own limits with HTTP 429).
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTransport replaces the HTTP transport. Tests inject mock round-trippers
// through this.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.http.Transport = rt }
}

// NewClient builds a client presenting the device certificate. kp may be nil
// for enrollment calls made before a certificate exists.
func NewClient(baseURL string, kp *crypto.Keypair, opts ...ClientOption) *Client {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if kp != nil {
		cert := tls.Certificate{
			Certificate: [][]byte{kp.Certificate.Raw},
			PrivateKey:  kp.PrivateKey,
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:   tlsCfg,
				ForceAttemptHTTP2: true,
			},
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.Default().With("component", "regulator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post writes body verbatim to baseURL+path with the supplied headers. An
// optional idempotency key is forwarded as X-Idempotency-Key.
func (c *Client) Post(ctx context.Context, path string, body []byte, headers map[string]string, idemKey string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("regulator: limiter: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("regulator: bad path %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("regulator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		code := TransportNetwork
		if isTimeout(err) {
			code = TransportTimeout
		}
		c.logger.Warn("transport failure", "path", path, "code", string(code), "err", err)
		return &Response{Status: 0, TransportCode: code, DurationMs: elapsed.Milliseconds()}, nil
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Response{Status: 0, TransportCode: TransportNetwork, DurationMs: elapsed.Milliseconds()}, nil
	}

	resp := &Response{
		Status:     httpResp.StatusCode,
		Body:       raw,
		DurationMs: elapsed.Milliseconds(),
	}
	resp.parseBody()

	c.logger.Debug("regulator response", "path", path, "status", resp.Status, "duration_ms", resp.DurationMs)
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}
