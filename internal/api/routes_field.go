package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// handleGetStations returns a snapshot of every assigned station.
func (s *Server) handleGetStations(c *gin.Context) {
	snaps := s.deps.Field.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"stations":    snaps,
		"total":       len(snaps),
		"field_estop": s.deps.Field.FieldEstop(),
	})
}

// handleGetStation returns one station's snapshot.
func (s *Server) handleGetStation(c *gin.Context) {
	station, ok := parseStation(c)
	if !ok {
		return
	}
	snap, ok := s.deps.Field.Snapshot(station)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not assigned", "station": station})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleGetConnections lists the open DS TCP connections.
func (s *Server) handleGetConnections(c *gin.Context) {
	if s.deps.Connections == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection registry not available"})
		return
	}

	conns := s.deps.Connections.GetAll()
	out := make([]gin.H, 0, len(conns))
	for st, conn := range conns {
		out = append(out, gin.H{
			"station":       st,
			"team":          conn.Team(),
			"remote":        conn.RemoteAddr().String(),
			"connected_at":  conn.ConnectedAt(),
			"last_activity": conn.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["station"].(protocol.AllianceStation).Index() < out[j]["station"].(protocol.AllianceStation).Index()
	})

	c.JSON(http.StatusOK, gin.H{"connections": out, "total": len(out)})
}

// handleAssignStation places a team in a station.
func (s *Server) handleAssignStation(c *gin.Context) {
	station, ok := parseStation(c)
	if !ok {
		return
	}
	var body struct {
		Team uint16 `json:"team" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Field.Assign(station, body.Team); err != nil {
		respondError(c, err)
		return
	}

	operator, _ := c.Get("operator")
	log.Info().
		Str("station", station.String()).
		Uint16("team", body.Team).
		Interface("operator", operator).
		Msg("API: station assigned")

	c.JSON(http.StatusOK, gin.H{
		"status":  "assigned",
		"station": station,
		"team":    body.Team,
	})
}

// handleReleaseStation removes a station's assignment.
func (s *Server) handleReleaseStation(c *gin.Context) {
	station, ok := parseStation(c)
	if !ok {
		return
	}
	if err := s.deps.Field.Release(station); err != nil {
		respondError(c, err)
		return
	}

	operator, _ := c.Get("operator")
	log.Info().Str("station", station.String()).Interface("operator", operator).Msg("API: station released")

	c.JSON(http.StatusOK, gin.H{"status": "released", "station": station})
}

// handleSetControl sets the desired control state of one station. While
// a match runs the controller overwrites it on its next advance.
func (s *Server) handleSetControl(c *gin.Context) {
	station, ok := parseStation(c)
	if !ok {
		return
	}
	var control protocol.ControlState
	if err := c.ShouldBindJSON(&control); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Field.SetControl(station, control); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "updated",
		"station": station,
		"control": control,
	})
}

// handleEstopStation latches an e-stop on one station until the match is
// reset.
func (s *Server) handleEstopStation(c *gin.Context) {
	station, ok := parseStation(c)
	if !ok {
		return
	}
	if err := s.deps.Match.EstopStation(station); err != nil {
		respondError(c, err)
		return
	}

	operator, _ := c.Get("operator")
	log.Warn().Str("station", station.String()).Interface("operator", operator).Msg("API: station e-stop")

	c.JSON(http.StatusOK, gin.H{"status": "estopped", "station": station})
}

// handleGetFieldEstop reports the combined field e-stop and the operator
// switch separately.
func (s *Server) handleGetFieldEstop(c *gin.Context) {
	resp := gin.H{"field_estop": s.deps.Field.FieldEstop()}
	if s.deps.Estop != nil {
		resp["operator_estop"] = s.deps.Estop.FieldEstop()
	}
	c.JSON(http.StatusOK, resp)
}

// handleSetFieldEstop sets or clears the operator e-stop.
func (s *Server) handleSetFieldEstop(c *gin.Context) {
	if s.deps.Estop == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator e-stop not available"})
		return
	}
	var body struct {
		Asserted *bool `json:"asserted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.deps.Estop.Set(*body.Asserted)

	operator, _ := c.Get("operator")
	log.Warn().Bool("asserted", *body.Asserted).Interface("operator", operator).Msg("API: operator field e-stop")

	c.JSON(http.StatusOK, gin.H{
		"operator_estop": *body.Asserted,
		"field_estop":    s.deps.Field.FieldEstop(),
	})
}

// parseStation reads the :station parameter ("R1", "blue2", ...).
func parseStation(c *gin.Context) (protocol.AllianceStation, bool) {
	station, err := protocol.ParseAllianceStation(c.Param("station"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return protocol.AllianceStation{}, false
	}
	return station, true
}
