package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kapu/banchess-server/internal/lobby"
	"github.com/kapu/banchess-server/internal/persist"
	"github.com/kapu/banchess-server/internal/session"
)

// Routes assembles the HTTP surface: session creation and lobby matchmaking
// are plain JSON endpoints, everything in-game runs over /ws.
func (h *Hub) Routes(lobbies *lobby.Manager, defaultTC string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", h.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlayerID    string `json:"playerId"`
			TimeControl string `json:"timeControl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
			writeErr(w, http.StatusBadRequest, "playerId is required")
			return
		}
		if req.TimeControl == "" {
			req.TimeControl = defaultTC
		}
		tc, err := session.ParseTimeControl(req.TimeControl)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		// solo/practice: the same identifier plays both sides
		sess, err := h.games.Create(r.Context(), req.PlayerID, req.PlayerID, tc)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.resolver.Resolve(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "session not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /lobbies", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlayerID    string `json:"playerId"`
			TimeControl string `json:"timeControl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
			writeErr(w, http.StatusBadRequest, "playerId is required")
			return
		}
		if req.TimeControl == "" {
			req.TimeControl = defaultTC
		}
		meta, err := lobbies.Make(r.Context(), req.PlayerID, req.TimeControl)
		if err != nil {
			writeErr(w, lobbyStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, meta)
	})

	mux.HandleFunc("POST /lobbies/{code}/join", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlayerID string `json:"playerId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
			writeErr(w, http.StatusBadRequest, "playerId is required")
			return
		}
		meta, sess, err := lobbies.Join(r.Context(), r.PathValue("code"), req.PlayerID)
		if err != nil {
			writeErr(w, lobbyStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Lobby   *lobby.Meta      `json:"lobby"`
			Session *session.Session `json:"session"`
		}{meta, sess})
	})

	mux.HandleFunc("GET /lobbies/{code}", func(w http.ResponseWriter, r *http.Request) {
		meta, err := lobbies.Get(r.Context(), r.PathValue("code"))
		if err != nil {
			writeErr(w, lobbyStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, meta)
	})

	return mux
}

func lobbyStatus(err error) int {
	switch {
	case errors.Is(err, lobby.ErrLobbyGone):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrLobbyTaken), errors.Is(err, lobby.ErrPlayerBusy), errors.Is(err, lobby.ErrSelfJoin):
		return http.StatusConflict
	case errors.Is(err, lobby.ErrInvalidArgs):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
