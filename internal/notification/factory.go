package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
)

// Input is everything a caller supplies to create a notification.
type Input struct {
	Type          Type              `json:"type" validate:"required,notification_type"`
	Title         string            `json:"title" validate:"required"`
	Content       string            `json:"content" validate:"required"`
	Target        Target            `json:"target"`
	Channels      []Channel         `json:"channels" validate:"required,min=1,dive,channel"`
	Priority      Priority          `json:"priority" validate:"omitempty,min=1,max=5"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	MaxAttempts   int               `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	TemplateID    string            `json:"template_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// FactoryConfig tunes notification defaults.
type FactoryConfig struct {
	// TTLs overrides DefaultTTLs per type.
	TTLs               map[Type]time.Duration
	DefaultMaxAttempts int
}

// Factory builds validated notifications.
type Factory struct {
	config   FactoryConfig
	clock    clock.Clock
	validate *validator.Validate
	renderer TemplateRenderer
	logger   *zap.Logger
}

// NewFactory creates a factory. renderer may be nil when templates are not used.
func NewFactory(cfg FactoryConfig, clk clock.Clock, renderer TemplateRenderer, logger *zap.Logger) *Factory {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if clk == nil {
		clk = clock.Real{}
	}

	v := validator.New()
	_ = v.RegisterValidation("notification_type", func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return Channel(fl.Field().String()).Valid()
	})

	return &Factory{
		config:   cfg,
		clock:    clk,
		validate: v,
		renderer: renderer,
		logger:   logger,
	}
}

// TTL returns how long notifications of type t stay deliverable.
func (f *Factory) TTL(t Type) time.Duration {
	if ttl, ok := f.config.TTLs[t]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := DefaultTTLs[t]; ok {
		return ttl
	}
	return DefaultTTL
}

// Create validates in and returns a pending notification.
func (f *Factory) Create(ctx context.Context, in Input) (*Notification, error) {
	if err := f.check(in); err != nil {
		return nil, err
	}

	now := f.clock.Now()

	scheduled := in.ScheduledTime
	if scheduled.IsZero() || scheduled.Before(now) {
		scheduled = now
	}

	priority := in.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = f.config.DefaultMaxAttempts
	}

	n := &Notification{
		ID:            uuid.New().String(),
		Type:          in.Type,
		Title:         in.Title,
		Content:       in.Content,
		TemplateID:    in.TemplateID,
		Data:          in.Data,
		Target:        in.Target,
		Channels:      dedupeChannels(in.Channels),
		Priority:      priority,
		Status:        StatusPending,
		ScheduledTime: scheduled,
		ExpireTime:    scheduled.Add(f.TTL(in.Type)),
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	f.logger.Debug("notification created",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("user_id", n.Target.ID),
		zap.Time("expire_time", n.ExpireTime),
	)

	return n.Clone(), nil
}

// CreateFromTemplate renders title and content from templateID and data,
// then creates the notification.
func (f *Factory) CreateFromTemplate(ctx context.Context, templateID string, data map[string]string, in Input) (*Notification, error) {
	if f.renderer == nil {
		return nil, fmt.Errorf("create from template %s: %w (no renderer configured)", templateID, ErrTemplateNotFound)
	}

	rendered, err := f.renderer.Render(ctx, templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template %s: %w", templateID, err)
	}

	in.Title = rendered.Title
	in.Content = rendered.Content
	in.TemplateID = templateID
	if in.Data == nil {
		in.Data = data
	}
	return f.Create(ctx, in)
}

func (f *Factory) check(in Input) error {
	if err := f.validate.Struct(in); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if ok && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return &ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Input."),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return nil
}

func dedupeChannels(in []Channel) []Channel {
	seen := make(map[Channel]bool, len(in))
	out := make([]Channel, 0, len(in))
	for _, ch := range in {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
