package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/base"
	"github.com/cenkalti/backoff/v4"
)

// NewHttpClientTransport creates a client transport posting to /{shardId}
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	config     common.ClientConfig
	counter    atomic.Uint32
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return errors.New("no endpoints provided")
	}

	scheme := "http"
	if config.TLS.Enabled() {
		scheme = "https"
	}

	roundTripper := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: max(config.ConnectionsPerEndpoint, 10),
		IdleConnTimeout:     90 * time.Second,
	}

	parsedURLs := make([]*url.URL, len(config.Endpoints))
	for i, endpoint := range config.Endpoints {
		if !strings.Contains(endpoint, "://") {
			endpoint = scheme + "://" + endpoint
		}
		parsedURL, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		parsedURLs[i] = parsedURL
	}

	if config.TLS.Enabled() {
		// all endpoints share one certificate authority, the server name is
		// taken from each request URL
		tlsConfig, err := base.ClientTLS(config.TLS, "")
		if err != nil {
			return err
		}
		roundTripper.TLSClientConfig = tlsConfig
	}

	t.client = &http.Client{Transport: roundTripper}
	t.serverURLs = parsedURLs
	t.config = config
	t.counter.Store(0)
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if t.client == nil {
		return nil, errors.New("http transport not initialized")
	}

	if timeout := t.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	op := func() ([]byte, error) {
		idx := t.counter.Add(1) % uint32(len(t.serverURLs))
		requestURL := t.serverURLs[idx].JoinPath(fmt.Sprint(shardId))

		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(req))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpRequest.Header.Set("Content-Type", "application/octet-stream")

		httpResponse, err := t.client.Do(httpRequest)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer httpResponse.Body.Close()

		if httpResponse.StatusCode != http.StatusOK {
			err := fmt.Errorf("http error: %s", httpResponse.Status)
			if httpResponse.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return io.ReadAll(httpResponse.Body)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	retries := uint64(max(t.config.RetryCount, 1) - 1)
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURLs = nil
	return nil
}
