package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

// handleGetLinkHealth returns drops and missed packets over the last hour.
func (s *Server) handleGetLinkHealth(c *gin.Context) {
	if s.deps.Links == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "link monitor not available"})
		return
	}
	data := s.deps.Links.GetAllStationData()
	c.JSON(http.StatusOK, gin.H{"stations": data, "total": len(data)})
}

// handleGetLinkEvents returns recorded link transitions, newest first.
// Query: station (R1..B3), since (RFC 3339), limit.
func (s *Server) handleGetLinkEvents(c *gin.Context) {
	if s.deps.EventLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not available"})
		return
	}

	var station string
	if raw := c.Query("station"); raw != "" {
		st, err := protocol.ParseAllianceStation(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		station = st.Code()
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}

	list, err := s.deps.EventLog.LinkEvents(station, since, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

// handleGetMatchEvents returns recorded phase changes, newest first.
func (s *Server) handleGetMatchEvents(c *gin.Context) {
	if s.deps.EventLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not available"})
		return
	}
	list, err := s.deps.EventLog.MatchEvents(queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

// handleGetAlerts returns unacknowledged alerts.
func (s *Server) handleGetAlerts(c *gin.Context) {
	if s.deps.EventLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not available"})
		return
	}
	alerts, err := s.deps.EventLog.GetUnacknowledgedAlerts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// handleAckAlert acknowledges one alert.
func (s *Server) handleAckAlert(c *gin.Context) {
	if s.deps.EventLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log not available"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert ID"})
		return
	}
	if err := s.deps.EventLog.AcknowledgeAlert(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "id": id})
}

// handleGetSystem returns CPU, memory and event log disk usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	dir := filepath.Dir(s.cfg.GetApplicationData().Database.Path)
	c.JSON(http.StatusOK, util.GetHostUsage(dir))
}

// queryLimit reads ?limit=, defaulting to 100 and capped at 1000.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
