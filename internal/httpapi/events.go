package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fathomlabs/fathom/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // fronted by a proxy in production
}

// handleEvents streams mission progress over a WebSocket. Clients can
// pass last_event_id to replay missed events from the ring and types
// to filter on event type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.ctl.Status(r.Context(), id); err != nil {
		code, msg := statusForError(err)
		writeError(w, code, msg)
		return
	}

	// last_event_id=0 asks for everything still in the ring; the
	// parameter being absent means live events only.
	replay := false
	var sinceSeq uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			sinceSeq = n
			replay = true
		}
	}
	typeFilter := map[events.EventType]struct{}{}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[events.EventType(t)] = struct{}{}
			}
		}
	}
	wanted := func(t events.EventType) bool {
		if len(typeFilter) == 0 {
			return true
		}
		_, ok := typeFilter[t]
		return ok
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(id, 256)
	defer s.events.Unsubscribe(id, ch)

	if replay {
		for _, ev := range s.events.ReplaySince(id, sinceSeq) {
			if !wanted(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump: client messages are discarded, but reading keeps
	// pong handling alive and notices closed connections.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !wanted(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
