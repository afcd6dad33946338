package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrUnavailable wraps transport-level failures talking to the wallet
// service.
var ErrUnavailable = errors.New("wallet service unavailable")

// Service credits player currency. Both in-game coin accrual and the final
// rank bonus go through the same additive-increment call.
type Service interface {
	Credit(ctx context.Context, userID string, amount int) error
}

// Client is a fasthttp JSON client for the external wallet service.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type creditRequest struct {
	Amount int `json:"amount"`
}

// Credit adds amount to the user's balance. The remote call is a single
// atomic increment; callers are responsible for not repeating it.
func (c *Client) Credit(ctx context.Context, userID string, amount int) error {
	if strings.TrimSpace(userID) == "" || amount <= 0 {
		return fmt.Errorf("invalid credit: user=%q amount=%d", userID, amount)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.baseURL + "/v1/wallets/" + userID + "/credit")
	req.Header.SetContentType("application/json")
	payload, err := json.Marshal(creditRequest{Amount: amount})
	if err != nil {
		return fmt.Errorf("marshal credit request: %w", err)
	}
	req.SetBody(payload)

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("wallet credit rejected: status %d", code)
	}
	return nil
}

// Noop satisfies Service without a backing wallet, for practice mode and
// tests that do not care about currency.
type Noop struct{}

func (Noop) Credit(context.Context, string, int) error { return nil }
