package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
)

// WSConnector dials the authority's push channel with the bearer
// credential and announces presence before handing the connection over.
type WSConnector struct {
	URL      string // e.g. ws://host/ws/<driver_id>
	Token    string
	DriverID string
	Dialer   *websocket.Dialer
}

func (c *WSConnector) Dial(ctx context.Context) (Conn, error) {
	d := c.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	header := http.Header{"Authorization": []string{"Bearer " + c.Token}}
	conn, resp, err := d.DialContext(ctx, c.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	wc := &wsConn{conn: conn, events: make(chan models.Envelope, 16)}

	// presence announce is the first frame on every connection
	payload, _ := json.Marshal(models.StatusPush{DriverID: c.DriverID, Status: models.DriverAvailable, Timestamp: time.Now()})
	if err := wc.Send(models.Envelope{Event: models.EventDriverConnected, Timestamp: time.Now(), Payload: payload}); err != nil {
		conn.Close()
		return nil, err
	}

	go wc.readPump()
	return wc, nil
}

type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	events chan models.Envelope
}

func (w *wsConn) Events() <-chan models.Envelope { return w.events }

func (w *wsConn) Send(env models.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(env)
}

func (w *wsConn) Close() error { return w.conn.Close() }

func (w *wsConn) readPump() {
	defer close(w.events)
	for {
		var env models.Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			return
		}
		w.events <- env
	}
}
