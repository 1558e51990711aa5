package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrades. A request is same-origin
	// when its Origin host matches the Host header; requests without an
	// Origin (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := originHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func originHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", raw)
	}
	return u.Host, nil
}

// serveWS upgrades the connection, sends the current state, then streams
// events until the client goes away. Control frames from the client are
// applied like the matching HTTP route.
func (v *Viewer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := v.subscribe()
	defer v.unsubscribe(events)

	ctx := r.Context()

	// Reader: control frames in.
	controlCh := make(chan command, 16)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if jsonErr := json.Unmarshal(raw, &cmd); jsonErr != nil {
				v.log.Debug("ws control frame ignored", "error", jsonErr)
				continue
			}
			select {
			case controlCh <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	if st, err := v.state(ctx); err == nil {
		if err := v.write(conn, Event{Type: "state", Index: st.Current, Key: st.Key, State: &st}); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			op, err := cmd.op()
			if err != nil {
				v.log.Debug("ws control rejected", "type", cmd.Type, "error", err)
				continue
			}
			// The resulting state arrives through events like any other change.
			if _, err := v.apply(ctx, op); err != nil {
				v.log.Warn("ws control failed", "type", cmd.Type, "error", err)
				return
			}

		case ev := <-events:
			if err := v.write(conn, ev); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (v *Viewer) write(conn *gorillaws.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
