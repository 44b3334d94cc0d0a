package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"fieldops-patrol/internal/apperror"

	"github.com/gorilla/websocket"
)

// WSDialer dials <BaseURL>/<namespace>?token=<token> over websocket.
type WSDialer struct {
	BaseURL string
	Dialer  *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, namespace, token string) (Conn, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/") + "/" + namespace)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInvalidInput, "bad stream url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperror.Wrap(err, apperror.KindPermissionDenied, "stream rejected token")
		}
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c  *websocket.Conn
	wm sync.Mutex
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

// WriteMessage serialises writers; gorilla allows one concurrent writer.
func (w *wsConn) WriteMessage(data []byte) error {
	w.wm.Lock()
	defer w.wm.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
