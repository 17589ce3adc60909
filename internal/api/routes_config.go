package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/events"
)

// handleGetConfig returns the current configuration without secrets.
func (s *Server) handleGetConfig(c *gin.Context) {
	player := s.cfg.GetPlayer()
	if player.Password != "" {
		player.Password = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"player":           player,
		"application_data": s.cfg.GetApplicationData(),
	})
}

// handleSetPlayer updates fields of the player section by JSON key.
func (s *Server) handleSetPlayer(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	for key, value := range body {
		if err := s.cfg.UpdatePlayerField(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	for key, value := range body {
		if key == "password" {
			value = "********"
		}
		s.eventBus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: "player",
				Key:     key,
				Value:   value,
			},
		})
	}

	log.Info().Int("fields", len(body)).Msg("API: player config updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
