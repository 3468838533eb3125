package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"hearth/internal/envelope"
	"hearth/internal/logging"
)

type NotificationAPI interface {
	GetNotificationPreferences(ctx context.Context, workspaceID string) (NotificationPreferences, error)
	CreateNotification(ctx context.Context, n Notification) (NotificationResponse, error)
}

// Notifier applies workspace quiet hours before handing a notification to the
// control plane.
type Notifier struct {
	API    NotificationAPI
	Now    func() time.Time
	Logger *slog.Logger
}

func NewNotifier(api NotificationAPI, logger *slog.Logger) *Notifier {
	return &Notifier{API: api, Now: time.Now, Logger: logger}
}

// Notify sends n, deferring non-urgent notifications that fall inside quiet
// hours. Missing preferences mean immediate delivery.
func (n *Notifier) Notify(ctx context.Context, note Notification, urgent bool) (NotificationResponse, error) {
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	log := logging.WithWorkspace(n.Logger, note.WorkspaceID)
	prefs, err := n.API.GetNotificationPreferences(ctx, note.WorkspaceID)
	if err != nil {
		log.Info("notification preferences unavailable, delivering now", "error", err)
	} else if at, deferred := NextDelivery(prefs, now, urgent); deferred {
		note.DeliverAt = at.UTC().Format(envelope.TimeLayout)
		log.Debug("notification deferred for quiet hours", "deliver_at", note.DeliverAt)
	}
	return n.API.CreateNotification(ctx, note)
}

// NextDelivery returns the time a notification should go out and whether it
// was pushed past quiet hours. Windows may span midnight.
func NextDelivery(prefs NotificationPreferences, now time.Time, urgent bool) (time.Time, bool) {
	if urgent || !prefs.QuietHoursEnabled {
		return now, false
	}
	start, err := parseClock(prefs.QuietHoursStart)
	if err != nil {
		return now, false
	}
	end, err := parseClock(prefs.QuietHoursEnd)
	if err != nil || start == end {
		return now, false
	}
	local := now
	if prefs.Timezone != "" {
		if loc, err := time.LoadLocation(prefs.Timezone); err == nil {
			local = now.In(loc)
		}
	}
	cur := local.Hour()*60 + local.Minute()
	var quiet bool
	if start < end {
		quiet = cur >= start && cur < end
	} else {
		quiet = cur >= start || cur < end
	}
	if !quiet {
		return now, false
	}
	at := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, local.Location())
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at, true
}

func parseClock(value string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour %q", value)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute %q", value)
	}
	return hour*60 + minute, nil
}
