package devoutbox

import (
	"context"
	"time"

	"sms-confirmation/internal/notify"
)

// DefaultTTL is how long a token stays readable when no expiry window bounds it.
const DefaultTTL = 24 * time.Hour

// Gateway records confirmation tokens in a Store instead of sending them. It implements notify.Gateway
// and is usually combined with a real gateway through notify.Multi.
type Gateway struct {
	store    Store
	ttl      time.Duration
	classTTL map[string]time.Duration
	nowF     func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithClassTTL keeps tokens of class readable for d instead of the gateway default.
// Use the class's confirmation window so expired tokens are not served. d <= 0 is ignored.
func WithClassTTL(class string, d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.classTTL[class] = d
		}
	}
}

// NewGateway returns a Gateway writing to store. ttl <= 0 means DefaultTTL.
func NewGateway(store Store, ttl time.Duration, opts ...GatewayOption) *Gateway {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gateway{
		store:    store,
		ttl:      ttl,
		classTTL: make(map[string]time.Duration),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TTL returns how long tokens of class stay readable.
func (g *Gateway) TTL(class string) time.Duration {
	if d, ok := g.classTTL[class]; ok {
		return d
	}
	return g.ttl
}

// Send stores the token of confirmation messages. Other kinds carry no token and are ignored.
func (g *Gateway) Send(ctx context.Context, msg notify.Message) error {
	if msg.Kind != notify.KindConfirmationRequested || msg.Token == "" {
		return nil
	}
	return g.store.Put(ctx, Key(msg.Class, msg.To), msg.Token, g.nowF().Add(g.TTL(msg.Class)))
}
