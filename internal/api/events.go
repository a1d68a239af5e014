package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// listEvents handles GET /v1/events?type=&limit=. It returns the newest
// matching events, newest first, as {"events": [...]}; 400 for invalid
// filters and 503 when the node keeps no event history.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter event.Type
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		filter = event.Type(strings.ToUpper(raw))
		if !filter.Valid() {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
	}

	all := s.events.Events()
	out := make([]eventDTO, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if filter != "" && all[i].Type != filter {
			continue
		}
		out = append(out, toEventDTO(all[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type eventDTO struct {
	Type       string    `json:"type"`
	Node       string    `json:"node,omitempty"`
	TS         time.Time `json:"ts"`
	Reference  string    `json:"reference,omitempty"`
	Depth      int       `json:"depth,omitempty"`
	State      string    `json:"state,omitempty"`
	Fetcher    string    `json:"fetcher,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Count      int       `json:"count,omitempty"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func toEventDTO(e event.Event) eventDTO {
	dto := eventDTO{
		Type:       string(e.Type),
		Node:       e.Node,
		TS:         e.TS,
		Reference:  e.Reference,
		Depth:      e.Depth,
		State:      string(e.State),
		Fetcher:    e.Fetcher,
		StatusCode: e.StatusCode,
		Count:      e.Count,
		Note:       e.Note,
	}
	if e.Err != nil {
		dto.Error = e.Err.Error()
	}
	return dto
}
