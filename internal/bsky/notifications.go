package bsky

import (
	"context"
	"encoding/json"
	"time"
)

// Notification is one entry from app.bsky.notification.listNotifications.
// Record is kept raw; the bot only inspects post text when composing replies.
type Notification struct {
	Uri           string          `json:"uri"`
	Cid           string          `json:"cid"`
	Reason        string          `json:"reason"`
	ReasonSubject string          `json:"reasonSubject,omitempty"`
	Author        Actor           `json:"author"`
	Record        json.RawMessage `json:"record,omitempty"`
	IsRead        bool            `json:"isRead"`
	IndexedAt     string          `json:"indexedAt"`
}

// Actor is the notification author reference.
type Actor struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

type listNotificationsOutput struct {
	Cursor        string         `json:"cursor,omitempty"`
	Notifications []Notification `json:"notifications"`
}

// ListNotifications fetches up to limit notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	params := map[string]any{"limit": limit}
	var out listNotificationsOutput
	if err := c.doAuthed(ctx, kindQuery, "app.bsky.notification.listNotifications", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// UpdateSeen marks notifications up to seenAt as read
// (app.bsky.notification.updateSeen). This is the bot's UPDATE action.
func (c *Client) UpdateSeen(ctx context.Context, seenAt time.Time) error {
	input := map[string]any{"seenAt": seenAt.UTC().Format(time.RFC3339)}
	return c.doAuthed(ctx, kindProcedure, "app.bsky.notification.updateSeen", nil, input, nil)
}
