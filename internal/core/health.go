package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/care/dactyl/internal/sensor"
	"github.com/care/dactyl/internal/types"
)

// HealthStatus represents the health state of the daemon
type HealthStatus struct {
	Status        string     `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64      `json:"uptime_seconds"`
	Mode          types.Mode `json:"mode"`
	MQTTConnected bool       `json:"mqtt_connected"`
	FeedClients   int        `json:"feed_clients"`
}

// HealthCheck returns the current health status of the service
func (d *Daemon) HealthCheck() HealthStatus {
	d.mu.RLock()
	running := d.isRunning
	started := d.started
	d.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		Mode:          d.device.Snapshot().Mode,
		MQTTConnected: d.emitter.IsConnected(),
		FeedClients:   d.feed.Clients(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	// Determine overall health status
	if !running {
		status.Status = "unhealthy"
	} else if !status.MQTTConnected {
		status.Status = "degraded"
	}
	return status
}

// Router builds the HTTP surface: health probes, status, the live feed and,
// with a simulated sensor, the bench finger controls
func (d *Daemon) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", d.livenessHandler)
	r.GET("/readiness", d.readinessHandler)
	r.GET("/status", d.statusHandler)
	r.GET("/ws", d.feed.ServeWS)

	if d.simulator != nil {
		sim := r.Group("/sim")
		sim.POST("/finger", d.placeFingerHandler)
		sim.DELETE("/finger", d.liftFingerHandler)
	}
	return r
}

// livenessHandler handles /health (simple liveness check)
func (d *Daemon) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": d.HealthCheck().UptimeSeconds,
	})
}

// readinessHandler handles /readiness. Degraded is still ready.
func (d *Daemon) readinessHandler(c *gin.Context) {
	health := d.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

// statusHandler handles /status with device and transport counters
func (d *Daemon) statusHandler(c *gin.Context) {
	body := gin.H{
		"device": d.device.Snapshot(),
		"mqtt":   d.emitter.Stats(),
		"bus":    d.bus.Stats(),
		"feed":   d.feed.Stats(),
	}

	d.mu.RLock()
	handler := d.controlHandler
	d.mu.RUnlock()
	if handler != nil {
		body["control"] = handler.Stats()
	}
	if d.bridge != nil {
		requests, timeouts := d.bridge.Stats()
		body["sensor_bridge"] = gin.H{"requests": requests, "timeouts": timeouts}
	}
	c.JSON(http.StatusOK, body)
}

type placeFingerRequest struct {
	Finger  string `json:"finger" binding:"required"`
	Quality string `json:"quality"`
}

// placeFingerHandler puts a simulated finger on the glass
func (d *Daemon) placeFingerHandler(c *gin.Context) {
	var req placeFingerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	quality, err := sensor.ParseQuality(req.Quality)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.simulator.Place(req.Finger, quality)
	c.JSON(http.StatusOK, gin.H{"finger": req.Finger, "quality": req.Quality})
}

// liftFingerHandler clears the simulated glass
func (d *Daemon) liftFingerHandler(c *gin.Context) {
	d.simulator.Lift()
	c.Status(http.StatusNoContent)
}

// requestLogger logs each request at debug level
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// StartHealthServer starts the HTTP server on port without blocking
func (d *Daemon) StartHealthServer(port int) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      d.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"simulator", d.simulator != nil,
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
}
