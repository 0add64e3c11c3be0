package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/nugget/bbchat/internal/events"
)

// eventFilters builds bus filters from the query string:
// ?session=<id> limits the stream to one session (plus runtime events)
// and ?source=a,b to the named publishers.
func eventFilters(r *http.Request) []events.Filter {
	var filters []events.Filter
	q := r.URL.Query()
	if id := q.Get("session"); id != "" {
		filters = append(filters, events.ForSession(id))
	}
	if src := q.Get("source"); src != "" {
		filters = append(filters, events.FromSources(strings.Split(src, ",")...))
	}
	return filters
}

// handleEventSocket streams the event bus to a dashboard. Inbound
// messages are ignored; reading only detects the close.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Events.Subscribe(256, eventFilters(r)...)
	defer func() {
		s.cfg.Events.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			s.logger.Debug("event stream dropped events", "remote", r.RemoteAddr, "dropped", n)
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("failed to write event", "error", err)
				return
			}
		}
	}
}
