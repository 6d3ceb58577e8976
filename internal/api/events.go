package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents streams session events over a websocket until the session
// closes or the client goes away.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		events, cancel, err := deps.Sessions.Subscribe(id)
		if err != nil {
			domainError(w, err)
			return
		}
		defer cancel()

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			deps.Logger.Error("websocket accept failed", "session", id, "error", err)
			return
		}
		defer ws.CloseNow()

		// Clients only listen; CloseRead handles their control frames and
		// cancels ctx once they disconnect.
		ctx := ws.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					ws.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
				if err := writeEvent(ctx, ws, ev); err != nil {
					if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
						deps.Logger.Warn("websocket write failed", "session", id, "error", err)
					}
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
