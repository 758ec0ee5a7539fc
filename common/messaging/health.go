package messaging

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// CheckClientHealth reports whether client is connected and measures a
// round trip. A ping without responders still proves the connection works.
func CheckClientHealth(ctx context.Context, client Client) HealthStatus {
	if client == nil {
		return HealthStatus{Error: "client is nil"}
	}
	if !client.IsConnected() {
		return HealthStatus{Error: "not connected to message broker"}
	}

	status := HealthStatus{Connected: true}
	start := time.Now()
	_, err := client.Request(ctx, "_HEALTH.incidents", []byte("ping"), 2*time.Second)
	status.Latency = time.Since(start)
	if err != nil && ctx.Err() != nil {
		status.Error = fmt.Sprintf("health check aborted: %v", ctx.Err())
	}
	return status
}
