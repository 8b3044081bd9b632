package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/history"
	"github.com/weftlabs/weft/hub"
)

// HandleWebSocket upgrades the connection and subscribes it to the hub.
// The initial filter comes from query parameters: min_level,
// execution_id, conversation_id, workflow_id, since, until (RFC 3339).
// Subscribers change the filter later with a {"type":"filter"} message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.hub.Subscribe(conn, filter)
}

func filterFromQuery(q url.Values) (hub.Filter, error) {
	filter := hub.Filter{
		ExecutionID:    q.Get("execution_id"),
		ConversationID: q.Get("conversation_id"),
		WorkflowID:     q.Get("workflow_id"),
	}
	if level := q.Get("min_level"); level != "" {
		filter.MinLevel = history.Level(level)
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return hub.Filter{}, errors.Wrapf(errors.ErrInvalidFilter, "since %q: %v", since, err)
		}
		filter.Since = &ts
	}
	if until := q.Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return hub.Filter{}, errors.Wrapf(errors.ErrInvalidFilter, "until %q: %v", until, err)
		}
		filter.Until = &ts
	}
	return filter, nil
}
