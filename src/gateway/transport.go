package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Transport is an ordered, reliable, full-duplex message-frame stream. The
// session state machine is written against this interface so tests can
// script the remote side without a network.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport to the given URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Transport, error)
}

// CloseError carries the close code the remote side reported when it
// terminated the stream.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code %d: %s", e.Code, e.Text)
}

// WSDialer dials gateway endpoints over websocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer() *WSDialer {
	return &WSDialer{dialer: websocket.DefaultDialer}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return t.conn.Close()
}

const apiVersion = 10

// buildURL appends the protocol version, encoding and optional transport
// compression query to a gateway or resume URL.
func buildURL(rawURL string, compress bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	q := url.Values{}
	q.Set("v", fmt.Sprintf("%d", apiVersion))
	q.Set("encoding", "json")
	if compress {
		q.Set("compress", "zlib-stream")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
