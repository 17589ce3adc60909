package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/protocol"
)

// handleConnect opens a session to the requested or configured server.
func (s *Server) handleConnect(c *gin.Context) {
	var body struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	srv := s.cfg.GetServer()
	if body.Address != "" {
		srv.Address = body.Address
	}
	if body.Port > 0 {
		srv.Port = body.Port
	}
	if srv.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no server address configured"})
		return
	}

	addr := srv.Addr()
	if err := s.client.Connect(c.Request.Context(), addr); err != nil {
		writeError(c, err)
		return
	}

	log.Info().Str("addr", addr).Msg("API: connected")
	c.JSON(http.StatusOK, gin.H{
		"status":  "connected",
		"address": addr,
		"state":   s.client.State(),
	})
}

// handleServerInfo asks the server to describe itself.
func (s *Server) handleServerInfo(c *gin.Context) {
	typ := protocol.ServerInfoFull
	switch c.DefaultQuery("type", "full") {
	case "full":
	case "basic":
		typ = protocol.ServerInfoBasic
	case "ping":
		typ = protocol.ServerInfoPing
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be ping, basic or full"})
		return
	}

	info, err := s.client.ServerInfo(c.Request.Context(), typ)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleJoinServer authenticates the player with the server.
func (s *Server) handleJoinServer(c *gin.Context) {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.Name == "" {
		body.Name = s.cfg.GetPlayer().Name
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player name is required"})
		return
	}

	resp, err := s.client.JoinServer(c.Request.Context(), body.Name, body.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "joined",
		"result":    resp.ResultCode.String(),
		"msg":       resp.Msg,
		"player_id": s.client.PlayerID(),
	})
}

// handleListRooms returns the server's rooms.
func (s *Server) handleListRooms(c *gin.Context) {
	rooms, err := s.client.ListRooms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// handleJoinRoom enters a room.
func (s *Server) handleJoinRoom(c *gin.Context) {
	roomID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resp, err := s.client.JoinRoom(c.Request.Context(), roomID, body.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "joined",
		"room_id": roomID,
		"result":  resp.ResultCode.String(),
	})
}

// handleChat sends an in-character line. A zero room_id targets the current
// room.
func (s *Server) handleChat(c *gin.Context) {
	var body protocol.ChatMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.client.SendChat(c.Request.Context(), body); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// handleServerPing measures the round trip to the chatroom server.
func (s *Server) handleServerPing(c *gin.Context) {
	rtt, err := s.client.Ping(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtt_ms": float64(rtt.Microseconds()) / 1000,
	})
}

// handleClose ends the session with a Goodbye.
func (s *Server) handleClose(c *gin.Context) {
	if err := s.client.Close(); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Msg("API: connection closed")
	c.JSON(http.StatusOK, gin.H{
		"status": "closed",
		"state":  s.client.State(),
	})
}
