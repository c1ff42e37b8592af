package handlers

import (
	"net/http"

	"gorm.io/gorm"
)

// DB is the persistence handle used by the health check. It is set from
// main and may be nil when the server runs without a database.
var DB *gorm.DB

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if DB != nil {
		dbStatus = "disconnected"
		sqlDB, err := DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}

	terminals := 0
	if TermRegistry != nil {
		terminals = len(TermRegistry.List())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"database":  dbStatus,
		"terminals": terminals,
	})
}
