package rabbitmq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/layerx/content-processing-service/internal/infra/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const attemptHeader = "x-attempt"

type MessageHandler func(ctx context.Context, body []byte) error

type Consumer struct {
	channel     *amqp.Channel
	queue       string
	exchange    string
	routingKey  string
	dlq         string
	workerCount int
	maxAttempts int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
	pubMu       sync.Mutex
}

type ConsumerConfig struct {
	Queue            string
	RoutingKey       string
	Exchange         string
	DLQ              string
	StatusQueue      string
	StatusRoutingKey string
	Prefetch         int
	WorkerCount      int
	MaxAttempts      int
	BaseDelayMs      int
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// NewConsumer declares the exchange, the work queue, its DLQ and the status
// queue, then binds them on a dedicated channel.
func NewConsumer(conn *amqp.Connection, cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	return &Consumer{
		channel:     ch,
		queue:       cfg.Queue,
		exchange:    cfg.Exchange,
		routingKey:  cfg.RoutingKey,
		dlq:         cfg.DLQ,
		workerCount: cfg.WorkerCount,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range []string{cfg.Queue, cfg.DLQ, cfg.StatusQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Queue, err)
	}
	if cfg.StatusQueue != "" {
		if err := ch.QueueBind(cfg.StatusQueue, cfg.StatusRoutingKey, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", cfg.StatusQueue, err)
		}
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool", zap.Int("workers", c.workerCount))

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			metrics.ActiveWorkers.Inc()
			c.processDelivery(ctx, d, log)
			metrics.ActiveWorkers.Dec()
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	attempt := attemptFromHeaders(d.Headers)
	log = log.With(zap.Error(err), zap.Int("attempt", attempt), zap.Uint64("delivery_tag", d.DeliveryTag))

	if attempt >= c.maxAttempts {
		log.Error("message exhausted its attempts, moving to DLQ")
		if pubErr := c.publish(ctx, "", c.dlq, d, attempt, err.Error()); pubErr != nil {
			log.Error("failed to publish to DLQ, requeueing", zap.NamedError("publish_error", pubErr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	delay := backoff(c.baseDelay, attempt)
	log.Warn("message processing failed, retrying after backoff", zap.Duration("delay", delay))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	metrics.RetryTotal.WithLabelValues(c.queue).Inc()
	if pubErr := c.publish(ctx, c.exchange, c.routingKey, d, attempt+1, ""); pubErr != nil {
		log.Error("failed to republish, requeueing", zap.NamedError("publish_error", pubErr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) publish(ctx context.Context, exchange, key string, d amqp.Delivery, attempt int, reason string) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt)
	if reason != "" {
		headers["x-dlq-reason"] = reason
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.channel.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
	})
}

func attemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 1
	}
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

func backoff(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
