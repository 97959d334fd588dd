package broker

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"github.com/zoff-tech/go-webhooks/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

var dialAMQP = amqp.Dial

func newConnection(settings *config.BrokerSettings) (*amqp.Connection, error) {
	conn, err := dialAMQP(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	go logConnectionClose(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}
	r.connection = connection

	// Drain and replace the pool; channels from the old connection are dead.
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	log.Info().Int("poolSize", r.settings.PoolSize).Msg("RabbitMQ connection and channel pool initialized")
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !lost {
				continue
			}

			log.Info().Msg("Attempting to reconnect to RabbitMQ")
			if err := r.connectAndInitialize(); err != nil {
				log.Error().Err(err).Msg("Failed to reconnect to RabbitMQ")
			} else {
				log.Info().Msg("Reconnected to RabbitMQ successfully")
			}
		case <-r.stopReconnect:
			log.Debug().Msg("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, conn := r.channelPool, r.connection
	r.mu.Unlock()

	for {
		select {
		case pooledChan, ok := <-pool:
			if !ok {
				return nil, fmt.Errorf("RabbitMQ channel pool closed")
			}
			select {
			case err := <-pooledChan.notifyClose:
				log.Debug().Err(err).Msg("Discarding closed channel")
				continue
			default:
				return pooledChan, nil
			}
		default:
			log.Debug().Msg("Channel pool empty, opening a new channel")
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		log.Debug().Err(err).Msg("Discarding closed channel")
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full
		pooledChan.channel.Close()
	}
}
