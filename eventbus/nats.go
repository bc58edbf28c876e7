package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
)

// SubjectPrefix is the first token of every bus subject.
const SubjectPrefix = "federation"

// Conn is the subset of natsclient.Client the bus needs.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (func() error, error)
}

// NATSBus publishes events as JSON on NATS subjects.
type NATSBus struct {
	conn   Conn
	logger *slog.Logger
}

// NewNATSBus creates a bus on top of a connected client.
func NewNATSBus(conn Conn, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{conn: conn, logger: logger.With("component", "eventbus")}
}

// Subject returns the subject for realm and kind. An empty realm yields a
// wildcard subject.
func Subject(realm, kind string) string {
	token := "*"
	if realm != "" {
		token = sanitize(realm)
	}
	return SubjectPrefix + "." + token + "." + kind
}

func sanitize(realm string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, realm)
}

func (b *NATSBus) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "NATSBus", "publish", "marshal event for "+subject)
	}
	if err := b.conn.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSBus", "publish", "publish to "+subject)
	}
	return nil
}

// PublishAsset implements Bus.
func (b *NATSBus) PublishAsset(ctx context.Context, ev *asset.AssetEvent) error {
	return b.publish(ctx, Subject(assetRealm(ev), "asset"), ev)
}

// PublishAttribute implements Bus.
func (b *NATSBus) PublishAttribute(ctx context.Context, ev *asset.AttributeEvent) error {
	return b.publish(ctx, Subject(ev.Realm, "attribute"), ev)
}

// PublishStatus implements Bus.
func (b *NATSBus) PublishStatus(ctx context.Context, status ConnectionStatus) error {
	return b.publish(ctx, Subject(status.Realm, "status"), status)
}

func subscribe[T any](ctx context.Context, b *NATSBus, subject string, fn func(context.Context, T)) (func() error, error) {
	unsubscribe, err := b.conn.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			b.logger.Warn("Dropping undecodable bus event", "subject", subject, "error", err)
			return
		}
		fn(msgCtx, v)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "subscribe", "subscribe to "+subject)
	}
	return unsubscribe, nil
}

// SubscribeAssets implements Bus.
func (b *NATSBus) SubscribeAssets(ctx context.Context, realm string, fn func(context.Context, *asset.AssetEvent)) (func() error, error) {
	return subscribe(ctx, b, Subject(realm, "asset"), fn)
}

// SubscribeAttributes implements Bus.
func (b *NATSBus) SubscribeAttributes(ctx context.Context, realm string, fn func(context.Context, *asset.AttributeEvent)) (func() error, error) {
	return subscribe(ctx, b, Subject(realm, "attribute"), fn)
}

// SubscribeStatus implements Bus.
func (b *NATSBus) SubscribeStatus(ctx context.Context, realm string, fn func(context.Context, ConnectionStatus)) (func() error, error) {
	return subscribe(ctx, b, Subject(realm, "status"), fn)
}
