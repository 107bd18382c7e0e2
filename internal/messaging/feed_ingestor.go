package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/config"
	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// errUndecodable marks a payload that can never succeed, no matter how
// often the broker redelivers it.
var errUndecodable = errors.New("undecodable booking event")

// FeedIngestor consumes booking events from RabbitMQ and appends them to
// the partitioned change feed. It is the bridge between the broker's
// push transport and the pull-based, checkpointed feed the pipeline reads.
//
// Delivery is at-least-once: a delivery is acknowledged only after its
// append committed, so a crash in between redelivers the event. The
// pipeline's idempotent apply absorbs the resulting replay.
type FeedIngestor struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	config     config.RabbitMQConfig
	feed       domain.ChangeFeedAppender
	partitions int
}

// NewFeedIngestor connects to RabbitMQ and declares the intake topology.
func NewFeedIngestor(cfg config.RabbitMQConfig, feed domain.ChangeFeedAppender, partitions int) (*FeedIngestor, error) {
	if partitions <= 0 {
		partitions = 1
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange (topic exchange for routing)
	err = channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	queue, err := channel.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange with routing key
	err = channel.QueueBind(
		queue.Name,     // queue name
		cfg.RoutingKey, // routing key
		cfg.Exchange,   // exchange
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	log.Printf("feed ingestor initialized: exchange=%s, queue=%s, routing_key=%s, partitions=%d",
		cfg.Exchange, cfg.Queue, cfg.RoutingKey, partitions)

	return &FeedIngestor{
		conn:       conn,
		channel:    channel,
		config:     cfg,
		feed:       feed,
		partitions: partitions,
	}, nil
}

// Start begins consuming booking events until the context is cancelled.
func (i *FeedIngestor) Start(ctx context.Context) error {
	msgs, err := i.channel.Consume(
		i.config.Queue, // queue
		"",             // consumer tag (auto-generated)
		false,          // auto-ack (we ack after the append committed)
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Printf("feed ingestor started, waiting for events on queue: %s", i.config.Queue)

	for {
		select {
		case <-ctx.Done():
			log.Println("context cancelled, stopping feed ingestor")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			i.process(ctx, msg)
		}
	}
}

// process appends one delivery to the feed and settles it exactly once.
// handleDelivery only decides the outcome; a delivery tag settled twice is
// a channel-level protocol error that would kill the consumer.
func (i *FeedIngestor) process(ctx context.Context, msg amqp.Delivery) {
	err := i.handleDelivery(ctx, msg)
	switch {
	case errors.Is(err, errUndecodable):
		// Redelivery can never fix a broken payload; drop it instead of
		// poisoning the queue.
		log.Printf("dropping undecodable booking event: %v", err)
		msg.Nack(false, false)
	case err != nil:
		log.Printf("error handling booking event: %v", err)
		// Requeue so a transient feed outage does not lose events.
		msg.Nack(false, true)
	default:
		msg.Ack(false)
	}
}

// handleDelivery appends one booking event to its feed partition. It never
// touches the delivery's acknowledgement state.
func (i *FeedIngestor) handleDelivery(ctx context.Context, msg amqp.Delivery) error {
	var record domain.ChangeRecord
	if err := json.Unmarshal(msg.Body, &record); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}

	if record.EventTimestamp.IsZero() {
		record.EventTimestamp = time.Now().UTC()
	}

	partitionID := PartitionFor(record.BookingID, i.partitions)
	if err := i.feed.Append(ctx, partitionID, record); err != nil {
		return fmt.Errorf("failed to append booking %q to partition %s: %w", record.BookingID, partitionID, err)
	}
	return nil
}

// Close closes the RabbitMQ connection and channel.
func (i *FeedIngestor) Close() error {
	if i.channel != nil {
		if err := i.channel.Close(); err != nil {
			log.Printf("error closing channel: %v", err)
		}
	}
	if i.conn != nil {
		return i.conn.Close()
	}
	return nil
}

// PartitionFor assigns a booking to a feed partition by hashing its
// business key. All versions of one booking land in the same partition,
// which is what makes per-partition ordering meaningful for a key.
func PartitionFor(bookingID string, partitions int) string {
	if partitions <= 1 {
		return "0"
	}
	h := fnv.New32a()
	h.Write([]byte(bookingID))
	return strconv.Itoa(int(h.Sum32() % uint32(partitions)))
}
