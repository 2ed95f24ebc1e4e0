// Package contextify assembles the situational context block that
// precedes every model invocation: current conditions, presence, and
// whatever other providers are registered. A provider that fails is
// logged and skipped so that one degraded source never blocks a
// request.
package contextify

import (
	"context"
	"log/slog"
	"strings"
)

// Provider contributes one section of situational context. The user
// message is passed so providers can tailor output; most ignore it.
type Provider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, userMessage string) (string, error)

func (f ProviderFunc) GetContext(ctx context.Context, userMessage string) (string, error) {
	return f(ctx, userMessage)
}

// Composite combines multiple providers. Their output is concatenated
// with blank lines, in registration order.
type Composite struct {
	providers []Provider
	logger    *slog.Logger
}

// NewComposite creates a composite from the given providers. Nil
// providers are skipped.
func NewComposite(logger *slog.Logger, providers ...Provider) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Composite{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *Composite) Add(p Provider) {
	if p != nil {
		c.providers = append(c.providers, p)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is skipped; the assembled context is always usable even
// when sources are degraded.
func (c *Composite) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed, continuing without it", "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}
