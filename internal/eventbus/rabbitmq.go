package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/contracts"
)

const (
	publishTimeout = 5 * time.Second
	reconnectDelay = 5 * time.Second
)

type RabbitMQManager struct {
	config       config.Config
	connectMutex chan struct{}
	done         chan struct{}

	// mu guards the connection state below; the reconnect goroutine rewrites
	// it while publishers and the consumer read it.
	mu              sync.RWMutex
	connection      *amqp.Connection
	consumerChan    *amqp.Channel
	producerChan    *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	isConnecting    bool
}

func NewRabbitMQManager(cfg config.Config) (*RabbitMQManager, error) {
	rmq := &RabbitMQManager{
		config:       cfg,
		connectMutex: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	rmq.connectMutex <- struct{}{}

	if err := rmq.connect(); err != nil {
		go rmq.handleReconnect()
		return nil, fmt.Errorf("initial RabbitMQ connection failed: %w. Will attempt to reconnect", err)
	}
	go rmq.handleReconnect()
	return rmq, nil
}

func (rmq *RabbitMQManager) connect() error {
	rmq.mu.Lock()
	if rmq.isConnecting {
		rmq.mu.Unlock()
		return errors.New("connection attempt in progress")
	}
	rmq.isConnecting = true
	rmq.mu.Unlock()
	defer func() {
		rmq.mu.Lock()
		rmq.isConnecting = false
		rmq.mu.Unlock()
	}()

	<-rmq.connectMutex
	defer func() { rmq.connectMutex <- struct{}{} }()

	log.Info().Str("url", rmq.config.RabbitMQURL).Msg("Attempting to connect to RabbitMQ")
	conn, err := amqp.Dial(rmq.config.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	rmq.mu.Lock()
	defer rmq.mu.Unlock()
	rmq.connection = conn
	rmq.notifyConnClose = make(chan *amqp.Error)
	rmq.connection.NotifyClose(rmq.notifyConnClose)

	if err := rmq.setupProducerChannel(); err != nil {
		return fmt.Errorf("failed to setup producer channel: %w", err)
	}

	if err := rmq.setupConsumerChannelAndTopology(); err != nil {
		return fmt.Errorf("failed to setup consumer channel and topology: %w", err)
	}

	rmq.isReady = true
	log.Info().Msg("RabbitMQ connected and channels initialized successfully")
	return nil
}

// setupProducerChannel runs with rmq.mu held by connect.
func (rmq *RabbitMQManager) setupProducerChannel() error {
	var err error
	rmq.producerChan, err = rmq.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}

	if err := rmq.producerChan.Confirm(false); err != nil {
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	rmq.notifyConfirm = make(chan amqp.Confirmation, 1)
	rmq.producerChan.NotifyPublish(rmq.notifyConfirm)

	log.Info().Str("exchange", rmq.config.OutgoingExchangeName).Str("type", rmq.config.RabbitMQExchangeType).Msg("Declaring outgoing exchange")
	err = rmq.producerChan.ExchangeDeclare(
		rmq.config.OutgoingExchangeName, // name
		rmq.config.RabbitMQExchangeType, // type
		true,                            // durable
		false,                           // auto-deleted
		false,                           // internal
		false,                           // no-wait
		nil,                             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare outgoing exchange %s: %w", rmq.config.OutgoingExchangeName, err)
	}
	return nil
}

// setupConsumerChannelAndTopology runs with rmq.mu held by connect.
func (rmq *RabbitMQManager) setupConsumerChannelAndTopology() error {
	var err error
	rmq.consumerChan, err = rmq.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	rmq.notifyChanClose = make(chan *amqp.Error)
	rmq.consumerChan.NotifyClose(rmq.notifyChanClose)

	if err := rmq.consumerChan.Qos(rmq.config.RabbitMQPrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// Declare incoming exchange
	err = rmq.consumerChan.ExchangeDeclare(rmq.config.IncomingExchangeName, rmq.config.RabbitMQExchangeType, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare incoming exchange: %w", err)
	}

	// Declare incoming queue
	_, err = rmq.consumerChan.QueueDeclare(rmq.config.IncomingQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare incoming queue: %w", err)
	}

	// One binding per order lifecycle routing key
	for _, key := range rmq.config.IncomingRoutingKeyList() {
		err = rmq.consumerChan.QueueBind(rmq.config.IncomingQueueName, key, rmq.config.IncomingExchangeName, false, nil)
		if err != nil {
			return fmt.Errorf("failed to bind queue for routing key %s: %w", key, err)
		}
	}

	log.Info().Str("queue", rmq.config.IncomingQueueName).Msg("Consumer topology setup complete.")
	return nil
}

func (rmq *RabbitMQManager) PublishMessage(ctx context.Context, routingKey string, payload interface{}) error {
	rmq.mu.RLock()
	ready, producerChan, confirms := rmq.isReady, rmq.producerChan, rmq.notifyConfirm
	rmq.mu.RUnlock()
	if !ready {
		return errors.New("producer not ready")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = producerChan.Publish(
		rmq.config.OutgoingExchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirm := <-confirms:
		if confirm.Ack {
			log.Debug().Str("routingKey", routingKey).Msg("Message published and confirmed")
			return nil
		}
		return errors.New("message published but not confirmed")
	case <-time.After(publishTimeout):
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rmq *RabbitMQManager) StartConsuming(ctx context.Context, handler contracts.MessageHandler) error {
	rmq.mu.RLock()
	ready, consumerChan := rmq.isReady, rmq.consumerChan
	rmq.mu.RUnlock()
	if !ready {
		return errors.New("consumer not ready")
	}

	msgs, err := consumerChan.Consume(
		rmq.config.IncomingQueueName,
		rmq.config.ConsumerTag,
		false, // auto-ack false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for delivery := range msgs {
			log.Debug().Str("routingKey", delivery.RoutingKey).Msg("Received a message")
			if err := handler(ctx, delivery); err != nil {
				if errors.Is(err, contracts.ErrPermanentFailure) {
					delivery.Nack(false, false) // Nack to DLQ, do not requeue
				} else {
					delivery.Nack(false, true) // Transient failure, requeue for retry
				}
			} else {
				delivery.Ack(false)
			}
		}
		log.Warn().Msg("Delivery channel closed. Consumer stopping.")
	}()

	log.Info().Str("queue", rmq.config.IncomingQueueName).Msg("Consumer started.")
	return nil
}

func (rmq *RabbitMQManager) Close() {
	close(rmq.done)
	rmq.mu.RLock()
	conn := rmq.connection
	rmq.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}
}

func (rmq *RabbitMQManager) connCloseC() chan *amqp.Error {
	rmq.mu.RLock()
	defer rmq.mu.RUnlock()
	return rmq.notifyConnClose
}

// handleReconnect re-dials after a dropped connection until Close is called.
func (rmq *RabbitMQManager) handleReconnect() {
	for {
		select {
		case <-rmq.done:
			return
		case amqpErr, ok := <-rmq.connCloseC():
			if !ok {
				return
			}
			rmq.mu.Lock()
			rmq.isReady = false
			rmq.mu.Unlock()
			log.Warn().Err(amqpErr).Msg("RabbitMQ connection lost. Reconnecting...")
			for {
				select {
				case <-rmq.done:
					return
				case <-time.After(reconnectDelay):
				}
				if err := rmq.connect(); err != nil {
					log.Error().Err(err).Msg("Reconnect attempt failed")
					continue
				}
				break
			}
		}
	}
}
