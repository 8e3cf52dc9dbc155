package handler

import (
	"net/http"
	"os"

	"github.com/Wei-Shaw/coprox/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"
)

// StatusHandler reports proxy statistics, pool state, and process resource
// usage for the operator.
type StatusHandler struct {
	stats     *service.ProxyStats
	pool      *service.CredentialPool
	usagePool *service.UsageRecordWorkerPool
	backup    *service.BackupState
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(stats *service.ProxyStats, pool *service.CredentialPool, usagePool *service.UsageRecordWorkerPool, backup *service.BackupState) *StatusHandler {
	return &StatusHandler{stats: stats, pool: pool, usagePool: usagePool, backup: backup}
}

// Status handles GET /status.
func (h *StatusHandler) Status(c *gin.Context) {
	payload := gin.H{
		"stats":    h.stats.Snapshot(),
		"accounts": h.pool.Statistics(),
		"usage":    h.usagePool.Snapshot(),
		"backup":   h.backup.Current(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		resources := gin.H{}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resources["rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resources["cpu_percent"] = cpu
		}
		payload["process"] = resources
	}

	c.JSON(http.StatusOK, payload)
}
