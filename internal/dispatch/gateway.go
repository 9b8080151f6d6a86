package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opencampus-edu/kestrel/internal/domain"
)

// Gateway delivers one notification over an external channel. Errors
// are retryable; the dispatcher owns the retry policy.
type Gateway interface {
	Send(ctx context.Context, n *domain.Notification) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, n *domain.Notification) error

// Send implements Gateway.
func (f GatewayFunc) Send(ctx context.Context, n *domain.Notification) error {
	return f(ctx, n)
}

// LogGateway is the default gateway: it logs the delivery instead of
// calling a provider. Deployments wire real SMS/WhatsApp/email
// providers per channel.
type LogGateway struct{}

// Send implements Gateway.
func (LogGateway) Send(ctx context.Context, n *domain.Notification) error {
	slog.Info("notification delivered",
		"notification_id", n.ID,
		"case_id", n.CaseID,
		"channel", n.Channel,
		"recipient", n.Recipient,
	)
	return nil
}

// Registry routes notifications to a per-channel gateway, falling back
// to a default for channels with no explicit provider.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.Channel]Gateway
	fallback Gateway
}

// NewRegistry creates a registry with the given fallback gateway.
func NewRegistry(fallback Gateway) *Registry {
	if fallback == nil {
		fallback = LogGateway{}
	}
	return &Registry{
		gateways: make(map[domain.Channel]Gateway),
		fallback: fallback,
	}
}

// Register binds a gateway to a channel.
func (r *Registry) Register(ch domain.Channel, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[ch] = gw
}

// Send implements Gateway by routing on the notification's channel.
func (r *Registry) Send(ctx context.Context, n *domain.Notification) error {
	r.mu.RLock()
	gw, ok := r.gateways[n.Channel]
	r.mu.RUnlock()
	if !ok {
		gw = r.fallback
	}
	return gw.Send(ctx, n)
}
