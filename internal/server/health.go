package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vibepilot/vibepilot/internal/terminal"
)

var startTime = time.Now()

// healthHandler reports process liveness along with host load and the
// current session count.
func healthHandler(manager *terminal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		health := gin.H{
			"status":   "ok",
			"version":  Version,
			"uptime_s": int64(time.Since(startTime).Seconds()),
			"sessions": len(manager.List()),
		}

		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			health["cpu_percent"] = percents[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			health["mem_percent"] = vm.UsedPercent
		}

		c.JSON(http.StatusOK, health)
	}
}
