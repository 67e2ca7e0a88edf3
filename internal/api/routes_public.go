package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldlink-project/fieldlink/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fieldlink",
		"version": util.Version,
	})
}

// handleGetInfo returns the event and host the FMS is running on.
func (s *Server) handleGetInfo(c *gin.Context) {
	fieldData := s.cfg.GetFieldData()
	sysInfo := util.GetSystemInfo()

	assigned := 0
	if s.deps.Field != nil {
		assigned = len(s.deps.Field.Snapshots())
	}

	c.JSON(http.StatusOK, gin.H{
		"event_name":        fieldData.EventName,
		"version":           util.Version,
		"assigned_stations": assigned,
		"ds_tcp_port":       fieldData.DSTCPPort,
		"ds_send_port":      fieldData.DSSendPort,
		"ds_receive_port":   fieldData.DSReceivePort,
		"platform":          sysInfo.Platform,
		"hostname":          sysInfo.Hostname,
		"cpu_model":         sysInfo.CPUModel,
		"cpu_cores":         sysInfo.CPUCores,
		"total_memory_mb":   sysInfo.TotalMemory,
		"uptime_sec":        sysInfo.UptimeSec,
	})
}
