package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/arena/internal/database"
	"github.com/aristath/arena/internal/scheduler"
)

// SystemHandlers serves process and database health for dashboards.
type SystemHandlers struct {
	log       zerolog.Logger
	startedAt time.Time
	dbs       []*database.DB
	schedules *scheduler.Service
}

// NewSystemHandlers creates the system status handler.
func NewSystemHandlers(schedules *scheduler.Service, log zerolog.Logger, dbs ...*database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		startedAt: time.Now(),
		dbs:       dbs,
		schedules: schedules,
	}
}

type databaseStatus struct {
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
	Healthy      bool   `json:"healthy"`
}

// HandleStatus handles GET /api/system/status.
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"used_percent": memStat.UsedPercent,
			"used_mb":      memStat.Used / 1024 / 1024,
			"total_mb":     memStat.Total / 1024 / 1024,
		}
	}

	databases := make([]databaseStatus, 0, len(h.dbs))
	for _, db := range h.dbs {
		ds := databaseStatus{Name: db.Name()}
		if stats, err := db.GetStats(); err == nil {
			ds.SizeBytes = stats.SizeBytes
			ds.WALSizeBytes = stats.WALSizeBytes
		}
		ds.Healthy = db.HealthCheck(r.Context()) == nil
		databases = append(databases, ds)
	}
	status["databases"] = databases

	if h.schedules != nil {
		if schedules, err := h.schedules.List(r.Context()); err == nil {
			jobs := make([]map[string]interface{}, 0, len(schedules))
			for _, s := range schedules {
				job := map[string]interface{}{
					"name":     s.Name,
					"job_type": s.JobType,
					"cron":     s.CronExpr,
					"enabled":  s.Enabled,
				}
				if s.LastRunAt != nil {
					job["last_run_at"] = s.LastRunAt.Format(time.RFC3339)
				}
				jobs = append(jobs, job)
			}
			status["jobs"] = jobs
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}
