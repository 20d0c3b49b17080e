package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health returns the health check handler.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]Check)
		allHealthy := true

		for name, check := range checks {
			start := time.Now()
			if err := check(ctx); err != nil {
				results[name] = Check{Status: "fail", Message: "connection failed"}
				allHealthy = false
			} else {
				results[name] = Check{Status: "pass", Latency: time.Since(start).String()}
			}
		}

		status := "healthy"
		statusCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		hostname, _ := os.Hostname()
		resp := HealthResponse{
			Status:    status,
			Version:   version,
			Instance:  hostname,
			Checks:    results,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(resp)
	}
}
