package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chatroom-project/chatroom/internal/db"
	"github.com/chatroom-project/chatroom/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleStatus reports the connection and host state.
func (s *Server) handleStatus(c *gin.Context) {
	player, joined := s.client.Joined()
	room, inRoom := s.client.CurrentRoom()

	resp := gin.H{
		"state":     s.client.State(),
		"address":   s.client.Address(),
		"player_id": s.client.PlayerID(),
		"joined":    joined,
		"player":    player,
		"in_room":   inRoom,
		"room_id":   room,
		"system":    util.GetSystemInfo(),
	}
	if last := s.client.LastActivity(); !last.IsZero() {
		resp["last_activity"] = last
	}
	if s.history != nil {
		if n, err := s.history.Count(c.Request.Context()); err == nil {
			resp["chat_log_entries"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleHistory returns stored chat lines for a room, oldest first.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat log is disabled"})
		return
	}

	roomID, err := strconv.Atoi(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	entries, err := s.history.Recent(c.Request.Context(), roomID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []db.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"entries": entries,
		"total":   len(entries),
	})
}
