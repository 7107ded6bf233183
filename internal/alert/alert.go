// Package alert delivers operator notifications for the conditions that
// need a human: critical error streaks, fatal termination, exhausted
// logins, and long blocked waits.
package alert

import (
	"context"
	"log/slog"
	"time"
)

// Level grades an alert's urgency.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// rank orders levels for the minimum-level filter.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Alert is one operator notification.
type Alert struct {
	Level   Level             `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Manager fans alerts out to every registered notifier. Delivery failures
// are logged, never propagated: alerting must not take the trading loop
// down with it.
type Manager struct {
	notifiers []Notifier
	minLevel  Level
	timeout   time.Duration
	logger    *slog.Logger
}

// NewManager builds a manager. A zero timeout defaults to ten seconds.
func NewManager(minLevel Level, timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		notifiers: notifiers,
		minLevel:  minLevel,
		timeout:   timeout,
		logger:    logger.With("component", "alert"),
	}
}

// Notify delivers one alert to every notifier, each under its own timeout.
// Alerts below the configured minimum level are dropped.
func (m *Manager) Notify(ctx context.Context, a Alert) {
	if a.Level.rank() < m.minLevel.rank() {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	for _, n := range m.notifiers {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		err := n.Send(sendCtx, a)
		cancel()
		if err != nil {
			m.logger.Error("alert delivery failed",
				"notifier", n.Name(), "level", string(a.Level), "title", a.Title, "error", err)
			continue
		}
		m.logger.Debug("alert delivered", "notifier", n.Name(), "title", a.Title)
	}
}
