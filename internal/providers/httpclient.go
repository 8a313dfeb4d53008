package providers

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// statusError classifies a non-2xx response. Rejected credentials cannot
// recover within the call; anything else fails only the current turn.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s status %d: %s", provider, resp.StatusCode, body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return callerr.ProviderConnection(provider, err, false)
	}
	return callerr.ProviderStream(provider, err, false)
}

// requestError wraps a failed round trip, passing context cancellation through.
func requestError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return callerr.ProviderStream(provider, err, false)
}
