package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

func (s *Server) handleGetMatch(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Match.State())
}

// handleLoadMatch selects the next match. An empty level loads a test
// match.
func (s *Server) handleLoadMatch(c *gin.Context) {
	var body struct {
		Level       string `json:"level"`
		MatchNumber uint16 `json:"match_number"`
		PlayNumber  uint8  `json:"play_number"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, err := protocol.ParseTournamentLevel(body.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Match.Load(level, body.MatchNumber, body.PlayNumber); err != nil {
		respondError(c, err)
		return
	}

	operator, _ := c.Get("operator")
	log.Info().
		Str("level", level.String()).
		Uint16("match", body.MatchNumber).
		Interface("operator", operator).
		Msg("API: match loaded")

	c.JSON(http.StatusOK, s.deps.Match.State())
}

func (s *Server) handleStartMatch(c *gin.Context) {
	if err := s.deps.Match.Start(); err != nil {
		respondError(c, err)
		return
	}
	operator, _ := c.Get("operator")
	log.Info().Interface("operator", operator).Msg("API: match started")
	c.JSON(http.StatusOK, s.deps.Match.State())
}

func (s *Server) handleAbortMatch(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Match.Abort(body.Reason); err != nil {
		respondError(c, err)
		return
	}
	operator, _ := c.Get("operator")
	log.Warn().Str("reason", body.Reason).Interface("operator", operator).Msg("API: match aborted")
	c.JSON(http.StatusOK, s.deps.Match.State())
}

func (s *Server) handleResetMatch(c *gin.Context) {
	if err := s.deps.Match.Reset(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Match.State())
}
