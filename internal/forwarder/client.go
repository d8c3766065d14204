package forwarder

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout         = 30 * time.Minute
	DefaultDialTimeout     = 5 * time.Second
	DefaultKeepAlive       = 5 * time.Second
	DefaultMaxIdleConns    = 1000
	DefaultMaxConnsPerHost = 100
	DefaultConnectAttempts = 5

	defaultIdleConnTimeout = 90 * time.Second
	connectRetryDelay      = 200 * time.Millisecond
)

// ClientOptions tunes the shared outbound client.
type ClientOptions struct {
	Timeout         time.Duration
	DialTimeout     time.Duration
	KeepAlive       time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	ConnectAttempts int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = DefaultMaxIdleConns
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	return o
}

// NewHTTPClient builds the long-lived client shared by all requests. Proxies
// from the environment are ignored and failed connection attempts are retried.
func NewHTTPClient(opts ClientOptions) *http.Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           retryingDial(dialer.DialContext, opts.ConnectAttempts, connectRetryDelay),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func retryingDial(dial dialFunc, attempts int, delay time.Duration) dialFunc {
	if attempts < 1 {
		attempts = 1
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		op := func() error {
			c, err := dial(ctx, network, addr)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
			ctx,
		)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, err
		}
		return conn, nil
	}
}
