package handlers

import (
	"net/http"

	"github.com/scottpeterman/velociterm/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	windows := 0
	if Relay != nil {
		windows = Relay.Len()
	}

	status := "healthy"
	if dbStatus != "connected" || Relay == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"windows":  windows,
	})
}
