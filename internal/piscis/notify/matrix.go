package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/acuicola/piscis/internal/piscis/metrics"
)

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixConfig identifies the bot account and the approvers room.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// MatrixClient is a send-only Matrix client.
type MatrixClient struct {
	client *mautrix.Client
}

// NewMatrixClient logs in with an access token and joins the approvers room.
func NewMatrixClient(ctx context.Context, cfg MatrixConfig) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	c := &MatrixClient{client: client}
	if cfg.RoomID != "" {
		if err := c.joinRoom(ctx, id.RoomID(cfg.RoomID)); err != nil {
			return nil, fmt.Errorf("failed to join room %s: %w", cfg.RoomID, err)
		}
	}
	return c, nil
}

// SendNotice posts a notice message to roomID.
func (c *MatrixClient) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

func (c *MatrixClient) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// MatrixNotifier mirrors workflow events into the approvers room. The room is
// shared, so the one-time code is never posted there.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	metrics *metrics.Metrics
}

// NewMatrixNotifier creates a MatrixNotifier posting to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string, m *metrics.Metrics) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID, metrics: m}
}

// Notify posts a notice for evt. Errors are logged at WARN.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := fmt.Sprintf("%s %s", kindIcon(evt.Kind), Body(evt, false))
	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		n.metrics.IncNotification("matrix", "failed")
		slog.Warn("matrix notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	n.metrics.IncNotification("matrix", "sent")
}

func kindIcon(k Kind) string {
	switch k {
	case KindRequestCreated:
		return "🔔"
	case KindApproved:
		return "✅"
	case KindRejected:
		return "❌"
	default:
		return "ℹ️"
	}
}
