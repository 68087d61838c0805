// Package displayapi serves a display's board to screens on the local
// network: a JSON snapshot, a plain-text board, and a SockJS push channel.
package displayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"qms/token-portal/internal/display"
	"qms/token-portal/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	Title   string
	Width   int
	Columns int
}

type Server struct {
	store   *display.Store
	hub     *hub.Hub
	options Options
}

func New(store *display.Store, h *hub.Hub, options Options) *Server {
	return &Server{store: store, hub: h, options: options}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/display", s.handleSnapshot)
	mux.HandleFunc("/board", s.handleBoard)
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, s.handleSession))
	return mux
}

// Run pushes every board change to connected screens until ctx is done.
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			s.hub.Broadcast(func(sub hub.Subscription) ([]byte, error) {
				return json.Marshal(Filter(state, sub))
			})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sub, ok := subscriptionFromQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id and division_id must be positive integers")
		return
	}
	writeJSON(w, http.StatusOK, Filter(s.store.Snapshot(), sub))
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sub, ok := subscriptionFromQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id and division_id must be positive integers")
		return
	}
	board := display.Render(Filter(s.store.Snapshot(), sub), display.RenderOptions{
		Title:   s.options.Title,
		Width:   s.options.Width,
		Columns: s.options.Columns,
	})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Refresh", "5")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(board + "\n"))
}

// handleSession serves one screen. Screens are public, so no session is
// required; they may narrow the feed with a subscribe message.
func (s *Server) handleSession(session sockjs.Session) {
	client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 4)}
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	initial, err := json.Marshal(s.store.Snapshot())
	if err == nil {
		_ = session.Send(string(initial))
	}

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		sub := hub.Subscription{}
		if parsed.Action == "subscribe" {
			sub = hub.Subscription{DepartmentID: parsed.DepartmentID, DivisionID: parsed.DivisionID}
		}
		s.hub.UpdateSubscription(client, sub)
		if payload, err := json.Marshal(Filter(s.store.Snapshot(), sub)); err == nil {
			_ = session.Send(string(payload))
		}
	}
}

// Filter keeps only the groups a subscription asks for.
func Filter(state display.State, sub hub.Subscription) display.State {
	if sub == (hub.Subscription{}) {
		return state
	}
	groups := make([]display.Group, 0, len(state.Groups))
	for _, group := range state.Groups {
		if sub.Matches(group.DepartmentID, group.DivisionID) {
			groups = append(groups, group)
		}
	}
	state.Groups = groups
	return state
}

func subscriptionFromQuery(r *http.Request) (hub.Subscription, bool) {
	department, ok := parseID(r.URL.Query().Get("department_id"))
	if !ok {
		return hub.Subscription{}, false
	}
	division, ok := parseID(r.URL.Query().Get("division_id"))
	if !ok {
		return hub.Subscription{}, false
	}
	return hub.Subscription{DepartmentID: department, DivisionID: division}, true
}

func parseID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorResponse
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
