package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"marketbot/internal/config"
)

type captureNotifier struct {
	sent []Alert
	err  error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, a)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFansOut(t *testing.T) {
	t.Parallel()
	a, b := &captureNotifier{}, &captureNotifier{}
	m := NewManager(LevelInfo, time.Second, discard(), a, b)

	m.Notify(context.Background(), Alert{Level: LevelWarning, Title: "blocked wait"})
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.sent), len(b.sent))
	}
	if a.sent[0].At.IsZero() {
		t.Error("timestamp not stamped on delivery")
	}
}

func TestNotifyFiltersBelowMinLevel(t *testing.T) {
	t.Parallel()
	n := &captureNotifier{}
	m := NewManager(LevelCritical, time.Second, discard(), n)

	m.Notify(context.Background(), Alert{Level: LevelInfo, Title: "cycle done"})
	m.Notify(context.Background(), Alert{Level: LevelWarning, Title: "login retry"})
	if len(n.sent) != 0 {
		t.Fatalf("deliveries = %d, want 0 below critical", len(n.sent))
	}
	m.Notify(context.Background(), Alert{Level: LevelCritical, Title: "error streak"})
	if len(n.sent) != 1 {
		t.Errorf("critical deliveries = %d, want 1", len(n.sent))
	}
}

func TestNotifySurvivesFailingNotifier(t *testing.T) {
	t.Parallel()
	bad := &captureNotifier{err: errors.New("endpoint down")}
	good := &captureNotifier{}
	m := NewManager(LevelInfo, time.Second, discard(), bad, good)

	m.Notify(context.Background(), Alert{Level: LevelCritical, Title: "fatal"})
	if len(good.sent) != 1 {
		t.Errorf("good notifier deliveries = %d, want 1 despite the failing peer", len(good.sent))
	}
}

func TestNewWebhookDisabledWithoutURL(t *testing.T) {
	t.Parallel()
	if w := NewWebhook(config.AlertConfig{Timeout: time.Second}); w != nil {
		t.Error("webhook built without a URL")
	}
	if w := NewWebhook(config.AlertConfig{WebhookURL: "https://hooks.test/bot", Timeout: time.Second}); w == nil {
		t.Error("webhook not built with a URL")
	}
}
