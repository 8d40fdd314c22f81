package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandproxy/strand/internal/routing"
)

// Dialer opens the backend side of a session. The header carries the
// client's forwarded handshake fields (subprotocols in particular).
type Dialer interface {
	Dial(ctx context.Context, uri string, header http.Header, params routing.ConnParams) (*websocket.Conn, *http.Response, error)
}

// WebsocketDialer is the default backend connector.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the backend connect; zero means 10s.
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, uri string, header http.Header, params routing.ConnParams) (*websocket.Conn, *http.Response, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   params.InputBufferSize,
		WriteBufferSize:  params.MaxTextBufferSize,
	}

	forward := http.Header{}
	if header != nil {
		if protos := header.Values("Sec-Websocket-Protocol"); len(protos) > 0 {
			dialer.Subprotocols = splitProtocols(protos)
		}
		for _, key := range []string{"Cookie", "Authorization", "X-Forwarded-For"} {
			for _, v := range header.Values(key) {
				forward.Add(key, v)
			}
		}
	}

	return dialer.DialContext(ctx, uri, forward)
}

func splitProtocols(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
