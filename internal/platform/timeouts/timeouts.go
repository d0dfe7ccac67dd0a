// Package timeouts defines the timeout constants used by the relay process.
//
// Chat connections themselves carry no idle or write timeouts; these values
// bound only process lifecycle and operational endpoints.
package timeouts

import "time"

// GRPCDial caps the wait time when the probe dials the ops endpoint.
const GRPCDial = 2 * time.Second

// HealthCheck caps a single gRPC health check call.
const HealthCheck = time.Second

// ReadHeader limits how long the HTTP gateway waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long listeners wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// TelemetryFlush limits how long pending spans may take to export on exit.
const TelemetryFlush = 5 * time.Second
