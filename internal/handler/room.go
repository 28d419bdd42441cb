package handler

import (
	"net/http"
	"strconv"

	"github.com/AashishAdhikari27/go-chat-app/internal/chat"
	"github.com/AashishAdhikari27/go-chat-app/internal/db"
	"github.com/AashishAdhikari27/go-chat-app/internal/models"
)

// RoomHandler serves the read-only room surface. Rooms are seeded at
// migration time; there is no runtime room creation.
type RoomHandler struct {
	DB     *db.Database
	Broker *chat.Broker
}

func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.DB.ListRooms()
	if err != nil {
		writeJSONError(w, "Failed to list rooms", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, "Invalid room id", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	room, err := h.DB.GetRoomByID(roomID)
	if err != nil {
		writeJSONError(w, "Room not found", "ROOM_NOT_FOUND", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, room)
}

// RoomMessages serves the same bounded history window the WebSocket
// backfill replays, oldest first.
func (h *RoomHandler) RoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, "Invalid room id", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	if _, err := h.DB.GetRoomByID(roomID); err != nil {
		writeJSONError(w, "Room not found", "ROOM_NOT_FOUND", http.StatusNotFound)
		return
	}

	limit := chat.BackfillLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	messages, err := h.Broker.Recent(roomID, limit)
	if err != nil {
		writeJSONError(w, "Failed to read messages", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.WireMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}
