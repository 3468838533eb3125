package controlplane

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

type fakeNotificationAPI struct {
	prefs    NotificationPreferences
	prefsErr error
	sent     []Notification
}

func (f *fakeNotificationAPI) GetNotificationPreferences(ctx context.Context, workspaceID string) (NotificationPreferences, error) {
	return f.prefs, f.prefsErr
}

func (f *fakeNotificationAPI) CreateNotification(ctx context.Context, n Notification) (NotificationResponse, error) {
	f.sent = append(f.sent, n)
	return NotificationResponse{ID: "n1", Status: "queued"}, nil
}

var quietNight = NotificationPreferences{QuietHoursEnabled: true, QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

func TestNextDeliveryQuietHours(t *testing.T) {
	now := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
	at, deferred := NextDelivery(quietNight, now, false)
	if !deferred {
		t.Fatalf("expected deferral")
	}
	if want := time.Date(2025, 6, 11, 7, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("at: %v want %v", at, want)
	}
}

func TestNextDeliveryEarlyMorning(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 15, 0, 0, time.UTC)
	at, deferred := NextDelivery(quietNight, now, false)
	if !deferred || !at.Equal(time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("at: %v deferred: %v", at, deferred)
	}
}

func TestNextDeliveryImmediate(t *testing.T) {
	cases := []struct {
		name   string
		prefs  NotificationPreferences
		now    time.Time
		urgent bool
	}{
		{"urgent", quietNight, time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC), true},
		{"disabled", NotificationPreferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}, time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC), false},
		{"outside", quietNight, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC), false},
		{"end-boundary", quietNight, time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC), false},
		{"same-day-outside", NotificationPreferences{QuietHoursEnabled: true, QuietHoursStart: "13:00", QuietHoursEnd: "15:00"}, time.Date(2025, 6, 10, 16, 0, 0, 0, time.UTC), false},
		{"bad-clock", NotificationPreferences{QuietHoursEnabled: true, QuietHoursStart: "late", QuietHoursEnd: "07:00"}, time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC), false},
		{"empty-window", NotificationPreferences{QuietHoursEnabled: true, QuietHoursStart: "07:00", QuietHoursEnd: "07:00"}, time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		at, deferred := NextDelivery(tc.prefs, tc.now, tc.urgent)
		if deferred || !at.Equal(tc.now) {
			t.Fatalf("%s: at=%v deferred=%v", tc.name, at, deferred)
		}
	}
}

func TestNextDeliverySameDayWindow(t *testing.T) {
	prefs := NotificationPreferences{QuietHoursEnabled: true, QuietHoursStart: "13:00", QuietHoursEnd: "15:00"}
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	at, deferred := NextDelivery(prefs, now, false)
	if !deferred || !at.Equal(time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("at: %v deferred: %v", at, deferred)
	}
}

func TestNextDeliveryTimezone(t *testing.T) {
	prefs := quietNight
	prefs.Timezone = "America/New_York"
	// 03:00 UTC is 23:00 the previous evening in New York (EDT).
	now := time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)
	at, deferred := NextDelivery(prefs, now, false)
	if !deferred {
		t.Fatalf("expected deferral")
	}
	if want := time.Date(2025, 6, 11, 11, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("at: %v want %v", at.UTC(), want)
	}
}

func TestNotifierDefers(t *testing.T) {
	api := &fakeNotificationAPI{prefs: quietNight}
	n := NewNotifier(api, nil)
	n.Now = func() time.Time { return time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC) }
	if _, err := n.Notify(context.Background(), Notification{WorkspaceID: "ws", Type: "approval", Title: "t", Body: "b"}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(api.sent) != 1 || api.sent[0].DeliverAt != "2025-06-11T07:00:00.000Z" {
		t.Fatalf("sent: %+v", api.sent)
	}
}

func TestNotifierUrgentAndDegraded(t *testing.T) {
	api := &fakeNotificationAPI{prefs: quietNight}
	n := NewNotifier(api, nil)
	n.Now = func() time.Time { return time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC) }
	n.Notify(context.Background(), Notification{WorkspaceID: "ws"}, true)
	api.prefsErr = errors.New("down")
	n.Notify(context.Background(), Notification{WorkspaceID: "ws"}, false)
	if len(api.sent) != 2 || api.sent[0].DeliverAt != "" || api.sent[1].DeliverAt != "" {
		t.Fatalf("sent: %+v", api.sent)
	}
}
