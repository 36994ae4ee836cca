package offline

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Notification is a user-visible notification shown by the host.
type Notification struct {
	// Tag identifies the notification in the host's tray.
	Tag     string               `json:"tag"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// NotificationData is the payload attached to a notification.
type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

func (a *Agent) onPush(_ context.Context, ev *PushEvent) error {
	n := a.notification(ev.Data)
	a.log().Info("push received", "tag", n.Tag, "payload", ev.Data != nil)
	return ev.WaitUntil(func(ctx context.Context) error {
		return a.host.ShowNotification(ctx, n)
	})
}

// notification builds the notification for a push payload. Icon URLs are
// resolved against the scope.
func (a *Agent) notification(data []byte) Notification {
	nc := a.cfg.Notification
	body := nc.DefaultBody
	if data != nil {
		body = string(data)
	}

	actions := slices.Clone(nc.Actions)
	for i := range actions {
		actions[i].Icon = a.resolveIcon(actions[i].Icon)
	}
	return Notification{
		Tag:     uuid.NewString(),
		Title:   nc.Title,
		Body:    body,
		Icon:    a.resolveIcon(nc.Icon),
		Badge:   a.resolveIcon(nc.Badge),
		Vibrate: slices.Clone(nc.Vibrate),
		Data: NotificationData{
			DateOfArrival: a.now(),
			PrimaryKey:    1,
		},
		Actions: actions,
	}
}

func (a *Agent) resolveIcon(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := resolve(a.scope, ref)
	if err != nil {
		return ref
	}
	return u
}

func (a *Agent) onNotificationClick(ctx context.Context, ev *NotificationClickEvent) error {
	a.log().Info("notification clicked", "tag", ev.Notification.Tag, "action", ev.Action)
	if err := a.host.CloseNotification(ctx, ev.Notification.Tag); err != nil {
		a.log().Warn("failed to close notification", "tag", ev.Notification.Tag, "error", err)
	}
	if ev.Action != ActionOpen {
		return nil
	}
	return ev.WaitUntil(func(ctx context.Context) error {
		return a.host.OpenWindow(ctx, a.offlineDoc)
	})
}
