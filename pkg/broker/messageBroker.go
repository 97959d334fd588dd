package broker

import "context"

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends data to the named topic with optional headers.
	Publish(ctx context.Context, topic string, data []byte, headers map[string]string) error
	// Close cleans up any resources (connections).
	Close() error
}

// noopBroker discards every message. It backs deployments without a dead-letter topic.
type noopBroker struct{}

func (noopBroker) Publish(context.Context, string, []byte, map[string]string) error {
	return nil
}

func (noopBroker) Close() error {
	return nil
}
