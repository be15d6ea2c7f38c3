package service

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
)

// RoomService exposes the room administration endpoints wrapping a RoomStore.
type RoomService struct {
	store RoomStore
}

func NewRoomService(store RoomStore) *RoomService {
	return &RoomService{
		store: store,
	}
}

func (s *RoomService) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /room", s.handleCreateRoom)
	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("GET /room/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /room/{id}/close", s.handleCloseRoom)
}

func (s *RoomService) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	// an empty body means an unnamed room
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			handleError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	room, err := s.store.CreateRoom(r.Context(), req.Name)
	if err != nil {
		handleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Infow("room created", "room", room.ID, "name", room.Name)
	writeJSON(w, room)
}

func (s *RoomService) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListOpenRooms(r.Context())
	if err != nil {
		handleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rooms)
}

func (s *RoomService) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.GetRoom(r.Context(), r.PathValue("id"))
	if err == ErrRoomNotFound {
		handleError(w, http.StatusNotFound, "room not found")
		return
	} else if err != nil {
		handleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, room)
}

func (s *RoomService) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.CloseRoom(r.Context(), id)
	if err == ErrRoomNotFound {
		handleError(w, http.StatusNotFound, "room not found")
		return
	} else if err != nil {
		handleError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Infow("room closed", "room", id)
	writeJSON(w, map[string]string{"message": "Room closed"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("could not encode response", "error", err)
	}
}

func handleError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
