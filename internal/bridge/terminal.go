package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/sshterminal"
	"github.com/gluk-w/claworc/tether/internal/workspace"
)

type termControlMsg struct {
	Type   string `json:"type"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
	Window *int   `json:"window_id"`
}

type sessionInfo struct {
	Type         string             `json:"type"`
	ClientID     string             `json:"client_id"`
	Mode         workspace.Mode     `json:"mode"`
	Windows      []workspace.Window `json:"windows"`
	ActiveWindow int                `json:"active_window"`
}

// terminal streams workspace events to the client as JSON text messages.
// Binary messages from the client are input for the active window; text
// messages are control messages (resize, select).
//
// On connect the client receives a session_info message followed by the
// retained scrollback of each window as output events. A client that falls
// behind on output is closed with StatusTryAgainLater and resyncs by
// reconnecting.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("[bridge] accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	clientID := uuid.New().String()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := s.ws.Subscribe(events.DefaultBuffer)
	defer unsubscribe()

	st := s.ws.Status()
	if err := writeMessage(ctx, conn, sessionInfo{
		Type:         "session_info",
		ClientID:     clientID,
		Mode:         st.Mode,
		Windows:      st.Windows,
		ActiveWindow: st.ActiveWindow,
	}); err != nil {
		return
	}
	for _, win := range st.Windows {
		if history := s.ws.Scrollback(win.ID); len(history) > 0 {
			if err := writeMessage(ctx, conn, events.NewOutput(win.ID, string(history))); err != nil {
				return
			}
		}
	}
	log.Printf("[bridge] terminal client %s attached", clientID)
	defer log.Printf("[bridge] terminal client %s detached", clientID)

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					log.Printf("[bridge] terminal client %s fell behind, closing for resync", clientID)
					conn.Close(websocket.StatusTryAgainLater, "output overflow, reconnect to resync")
					return
				}
				if err := writeMessage(ctx, conn, ev); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.readInput(ctx, conn, clientID)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readInput(ctx context.Context, conn *websocket.Conn, clientID string) {
	limiter := rate.NewLimiter(rate.Limit(s.rateLimit), s.rateBurst)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > sshterminal.MaxInputMessageSize {
				log.Printf("[bridge] input message too large: client=%s size=%d limit=%d", clientID, len(data), sshterminal.MaxInputMessageSize)
				continue
			}
			if err := s.ws.SendInput(string(data)); err != nil {
				log.Printf("[bridge] input from %s: %v", clientID, err)
			}
			continue
		}

		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			geom := sshconn.Geometry{Cols: msg.Cols, Rows: msg.Rows, Width: msg.Width, Height: msg.Height}
			if err := s.ws.Resize(geom); err != nil {
				log.Printf("[bridge] resize from %s: %v", clientID, err)
			}
		case "select":
			if msg.Window == nil {
				continue
			}
			if err := s.ws.SwitchWindow(ctx, *msg.Window); err != nil {
				writeMessage(ctx, conn, events.NewError(err.Error()))
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
