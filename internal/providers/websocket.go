package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callbridge/internal/callerr"
)

const handshakeTimeout = 10 * time.Second

// dialWebsocket opens a provider stream. A handshake the server rejects
// (bad key, bad parameters) is not retryable; network failures are.
func dialWebsocket(ctx context.Context, provider, url string, headers http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err == nil {
		return conn, nil
	}
	if ctxErr := contextError(err); ctxErr != nil {
		return nil, ctxErr
	}
	if resp == nil {
		return nil, callerr.ProviderConnection(provider, fmt.Errorf("websocket connect: %w", err), true)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	wrapped := fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, body, err)
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return nil, callerr.ProviderConnection(provider, wrapped, retryable)
}
