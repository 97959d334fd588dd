package config

const (
	BrokerNone     = "none"
	BrokerRabbitMQ = "rabbitmq"
	BrokerPubSub   = "gcp-pubsub"
)

// BrokerSettings holds configuration for the dead-letter message broker.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"oneof=none rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`
}
