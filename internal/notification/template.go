package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
)

// ErrTemplateNotFound is returned when a template id is not registered.
var ErrTemplateNotFound = errors.New("template not found")

// Rendered is the output of a template render.
type Rendered struct {
	Title   string
	Content string
}

// TemplateRenderer turns a template id and variables into title and content.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID string, data map[string]string) (Rendered, error)
}

// TextRenderer renders registered text/template pairs.
type TextRenderer struct {
	mu        sync.RWMutex
	templates map[string]textTemplate
}

type textTemplate struct {
	title   *template.Template
	content *template.Template
}

// NewTextRenderer creates an empty renderer.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{templates: make(map[string]textTemplate)}
}

// Register parses and stores a title/content pair under id. Missing
// variables are rendered as errors rather than "<no value>".
func (r *TextRenderer) Register(id, title, content string) error {
	t, err := template.New(id + ".title").Option("missingkey=error").Parse(title)
	if err != nil {
		return fmt.Errorf("parse title of %s: %w", id, err)
	}
	c, err := template.New(id + ".content").Option("missingkey=error").Parse(content)
	if err != nil {
		return fmt.Errorf("parse content of %s: %w", id, err)
	}

	r.mu.Lock()
	r.templates[id] = textTemplate{title: t, content: c}
	r.mu.Unlock()
	return nil
}

func (r *TextRenderer) Render(ctx context.Context, templateID string, data map[string]string) (Rendered, error) {
	r.mu.RLock()
	tpl, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	var title, content bytes.Buffer
	if err := tpl.title.Execute(&title, data); err != nil {
		return Rendered{}, fmt.Errorf("render title: %w", err)
	}
	if err := tpl.content.Execute(&content, data); err != nil {
		return Rendered{}, fmt.Errorf("render content: %w", err)
	}
	return Rendered{Title: title.String(), Content: content.String()}, nil
}
