package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pigeon/internal/notify"
	"pigeon/internal/orchestrator"
	"pigeon/internal/prefs"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// maxBodyBytes caps submission and preference payloads.
const maxBodyBytes = 256 << 10

// submitResponse acknowledges an accepted notification. The id is the
// canonical one: a request absorbed by duplicate compression gets the id
// of the request it merged into, and that is the id to poll.
type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	RequestID string                `json:"request_id"`
	State     string                `json:"state"`
	Channel   string                `json:"channel,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Attempts  int                   `json:"attempts"`
	Trail     []storage.AuditRecord `json:"trail"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req notify.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Validation happens at the edge so the orchestrator's own errors
	// can all be treated as server-side.
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "not accepting submissions")
		case errors.Is(err, orchestrator.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "delivery queue is full")
		default:
			s.log.Error("submit failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.rec.ByRequest(r.Context(), id)
	if err != nil {
		s.log.Error("status lookup failed", logx.String("request_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}

	resp := statusResponse{RequestID: id, State: "pending", Trail: recs}
	for _, rec := range recs {
		switch rec.Kind {
		case storage.AuditAttempt:
			resp.Attempts++
		case storage.AuditTerminal:
			resp.State = rec.Outcome
			resp.Channel = rec.Channel
			resp.Reason = rec.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pref, ok, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		s.log.Error("preference lookup failed", logx.String("user_id", userID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "preference lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no stored preferences")
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (s *Service) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var pref storage.Preference
	if err := decodeJSON(w, r, &pref); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, clock := range []string{pref.QuietHoursStart, pref.QuietHoursEnd} {
		if clock == "" {
			continue
		}
		if _, err := prefs.ParseClock(clock); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if (pref.QuietHoursStart == "") != (pref.QuietHoursEnd == "") {
		writeError(w, http.StatusBadRequest, "quiet hours need both start and end")
		return
	}

	pref.UserID = userID
	pref.UpdatedAt = time.Now().UTC()
	if err := s.prefs.Put(r.Context(), pref); err != nil {
		s.log.Error("preference store failed", logx.String("user_id", userID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "preference store failed")
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (s *Service) handleChannelTest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	adapter, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if !adapter.Ready() {
		writeError(w, http.StatusConflict, "channel is not ready")
		return
	}
	if err := adapter.SendTest(r.Context(), userID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": name, "user_id": userID, "ok": true})
}

// Upgrader defaults reject cross-origin browser requests; clients
// without an Origin header (CLIs, mobile apps) pass.
var upgrader = websocket.Upgrader{}

func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("socket upgrade failed", logx.String("user_id", userID), logx.Err(err))
		return
	}
	s.hub.Register(userID, ws)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
