package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-webhooks/pkg/config"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case config.BrokerNone, "":
		return noopBroker{}, nil
	case config.BrokerRabbitMQ:
		return NewRabbitMqBroker(ctx, cfg)
	case config.BrokerPubSub:
		return NewPubSubClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
