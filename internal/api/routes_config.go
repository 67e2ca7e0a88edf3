package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/events"
)

// handleGetConfig returns the full current configuration. The API token
// is redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.Security.APIToken != "" {
		app.Security.APIToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"field_data":       s.cfg.GetFieldData(),
		"application_data": app,
	})
}

type setValueRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleSetFieldValue updates one field_data key. Most keys take effect
// on the next start.
func (s *Server) handleSetFieldValue(c *gin.Context) {
	s.setValue(c, "field_data", s.cfg.UpdateFieldValue)
}

// handleSetAppValue updates one application_data key.
func (s *Server) handleSetAppValue(c *gin.Context) {
	s.setValue(c, "application_data", s.cfg.UpdateAppField)
}

func (s *Server) setValue(c *gin.Context, section string, update func(string, interface{}) error) {
	var body setValueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	before := s.snapshotConfig()
	if err := update(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		// Roll back so the running config never holds an invalid value.
		s.cfg.SetFieldData(before.FieldData)
		s.cfg.SetApplicationData(before.ApplicationData)
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Field+": "+e.Message)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "errors": msgs})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: section,
				Key:     body.Key,
				Value:   body.Value,
			},
		})
	}

	operator, _ := c.Get("operator")
	log.Info().Str("section", section).Str("key", body.Key).Interface("operator", operator).Msg("API: config updated")

	c.JSON(http.StatusOK, gin.H{"status": "updated", "section": section, "key": body.Key})
}

type configSnapshot struct {
	FieldData       config.FieldData
	ApplicationData config.ApplicationData
}

func (s *Server) snapshotConfig() configSnapshot {
	return configSnapshot{
		FieldData:       s.cfg.GetFieldData(),
		ApplicationData: s.cfg.GetApplicationData(),
	}
}
