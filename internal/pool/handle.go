package pool

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const maxRedirects = 5

// Handle is the transport owned by a pooled connection.
type Handle interface {
	Usable() bool
	Close()
}

// Dialer creates a handle for an endpoint key.
type Dialer func(endpointKey string) (Handle, error)

// HTTPHandle is an http.Client with its own transport.
type HTTPHandle struct {
	Client    *http.Client
	transport *http.Transport
	closed    atomic.Bool
	failed    atomic.Bool
}

func NewHTTPHandle(timeout time.Duration) *HTTPHandle {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &HTTPHandle{
		transport: transport,
		Client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("stopped after 5 redirects")
				}
				return nil
			},
		},
	}
}

// HTTPDialer returns a Dialer producing HTTP handles.
func HTTPDialer(timeout time.Duration) Dialer {
	return func(string) (Handle, error) {
		return NewHTTPHandle(timeout), nil
	}
}

// Fail marks the handle unusable after a transport-level error.
func (h *HTTPHandle) Fail() { h.failed.Store(true) }

func (h *HTTPHandle) Usable() bool {
	return !h.closed.Load() && !h.failed.Load()
}

func (h *HTTPHandle) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.transport.CloseIdleConnections()
}

// HTTP returns the HTTP handle behind c.
func (c *Conn) HTTP() (*HTTPHandle, error) {
	h, ok := c.handle.(*HTTPHandle)
	if !ok {
		return nil, fmt.Errorf("connection to %s is not an http handle", c.EndpointKey)
	}
	return h, nil
}

// EndpointKey reduces a URL to lowercase scheme://host[:port].
func EndpointKey(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("endpoint url must be absolute")
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}
