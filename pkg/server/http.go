package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NicolasHaas/roomgate/pkg/model"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
)

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.Handle("/ws/chat", s.chat)
	r.Handle("/ws/game", s.game)

	r.HandleFunc("/rooms", s.handlePublicRooms).Methods(http.MethodGet)
	r.HandleFunc("/users/{id:[0-9]+}/rooms", s.handlePrivateRooms).Methods(http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *Server) handlePublicRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.dir.ListPublic(r.Context())
	if err != nil {
		slog.Error("list public rooms", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeRooms(w, rooms)
}

func (s *Server) handlePrivateRooms(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	rooms, err := s.dir.ListPrivateFor(r.Context(), userID)
	if err != nil {
		slog.Error("list private rooms", "user_id", userID, "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeRooms(w, rooms)
}

func writeRooms(w http.ResponseWriter, rooms []model.Room) {
	out := make([]pb.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, pb.RoomInfo{
			ID:      r.ID,
			Name:    r.Name,
			OwnerID: r.OwnerID,
			Private: r.Private,
			Locked:  r.HasPassword(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
