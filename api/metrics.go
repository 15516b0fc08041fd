package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const metricsKey = "request_metrics"

type requestMetrics struct {
	logger          *log.Logger
	start           time.Time
	authDuration    time.Duration
	serviceDuration time.Duration
	userID          int64
	resultCount     int
	hasResultCount  bool
	errorStage      string
	err             error
}

func newRequestMetrics(logger *log.Logger) *requestMetrics {
	return &requestMetrics{
		logger: logger,
		start:  time.Now(),
	}
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveService(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.serviceDuration = duration
}

func (m *requestMetrics) SetUser(id int64) {
	if m == nil {
		return
	}
	m.userID = id
}

func (m *requestMetrics) SetResultCount(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.resultCount = count
	m.hasResultCount = true
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// SetError records a failure that was already rendered to the client.
func (m *requestMetrics) SetError(err error) {
	if m == nil || err == nil {
		return
	}
	m.err = err
}

func (m *requestMetrics) Log(method, route string, status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"method":   method,
		"route":    route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.userID != 0 {
		fields["user_id"] = m.userID
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		fields["service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.hasResultCount {
		fields["results"] = m.resultCount
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err == nil {
		err = m.err
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	if status >= http.StatusInternalServerError {
		entry.Error("http.request.metrics")
		return
	}
	entry.Info("http.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// requestLogger attaches a requestMetrics to every request and logs it once
// the handler returns.
func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := newRequestMetrics(logger)
			c.Set(metricsKey, m)
			err := next(c)
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			m.Log(c.Request().Method, c.Path(), status, err)
			return err
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

// observe times fn as the service stage of the current request.
func observe(c echo.Context, fn func() error) error {
	start := time.Now()
	err := fn()
	m := metricsFrom(c)
	m.ObserveService(time.Since(start))
	if err != nil {
		m.SetErrorStage("service")
	}
	return err
}
