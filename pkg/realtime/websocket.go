package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/joberr"
)

// Conn is an open push channel.
type Conn interface {
	// ReadMessage blocks until the next message arrives or the channel
	// closes.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push channels. A definitive not-found must be reported as a
// joberr NotFound error.
type Dialer interface {
	Dial(ctx context.Context, jobID string) (Conn, error)
}

// WebsocketDialer opens channels with gorilla/websocket against the API's
// /ws/jobs/{id} endpoint, attaching the bearer token to the handshake.
type WebsocketDialer struct {
	api    *apiclient.Client
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer for api.
func NewWebsocketDialer(api *apiclient.Client, handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		api: api,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, jobID string) (Conn, error) {
	const op = "DialChannel"

	header, err := d.api.AuthHeader(ctx)
	if err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.api.WebsocketURL(jobID), header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &joberr.Error{Op: op, JobID: jobID, Status: resp.StatusCode, Err: joberr.ErrNotFound}
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &joberr.Error{Op: op, JobID: jobID, Status: resp.StatusCode, Err: joberr.ErrTransport}
		}
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
