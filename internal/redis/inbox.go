package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/notification"
)

// InboxConfig bounds each user's in-app inbox.
type InboxConfig struct {
	MaxItems int64
	TTL      time.Duration
}

// DefaultInboxConfig keeps the latest 100 items for 30 days.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{MaxItems: 100, TTL: 30 * 24 * time.Hour}
}

// InboxItem is what the client app renders for one notification.
type InboxItem struct {
	NotificationID string            `json:"notification_id"`
	Type           notification.Type `json:"type"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Priority       string            `json:"priority"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Inbox delivers the in_app channel: items are pushed to a capped per-user
// list and announced on a pub/sub channel for connected clients.
type Inbox struct {
	client *Client
	config InboxConfig
	logger *zap.Logger
}

var _ channel.Sender = (*Inbox)(nil)

func NewInbox(client *Client, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultInboxConfig().MaxItems
	}
	return &Inbox{client: client, config: cfg, logger: logger}
}

func inboxKey(userID string) string  { return "inbox:" + userID }
func eventsKey(userID string) string { return "inbox:" + userID + ":events" }

// Send appends n to the recipient's inbox.
func (i *Inbox) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (channel.Receipt, error) {
	item := InboxItem{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Content:        n.Content,
		Priority:       n.Priority.String(),
		Data:           n.Data,
		CreatedAt:      n.CreatedAt,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("failed to marshal inbox item: %w", err)
	}

	key := inboxKey(n.Target.ID)
	pipe := i.client.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, i.config.MaxItems-1)
	if i.config.TTL > 0 {
		pipe.Expire(ctx, key, i.config.TTL)
	}
	receivers := pipe.Publish(ctx, eventsKey(n.Target.ID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return channel.Receipt{}, fmt.Errorf("inbox write failed: %w", err)
	}

	i.logger.Debug("inbox item stored",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.Target.ID),
		zap.Int64("live_receivers", receivers.Val()),
	)

	return channel.Receipt{ProviderMessageID: "inbox-" + n.ID}, nil
}

// List returns up to limit items of userID, newest first.
func (i *Inbox) List(ctx context.Context, userID string, limit int64) ([]InboxItem, error) {
	if limit <= 0 || limit > i.config.MaxItems {
		limit = i.config.MaxItems
	}

	raw, err := i.client.rdb.LRange(ctx, inboxKey(userID), 0, limit-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("inbox read failed: %w", err)
	}

	items := make([]InboxItem, 0, len(raw))
	for _, r := range raw {
		var item InboxItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			i.logger.Warn("skipping malformed inbox item", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Subscribe listens for new items of userID. Close the returned PubSub when
// done.
func (i *Inbox) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return i.client.rdb.Subscribe(ctx, eventsKey(userID))
}
