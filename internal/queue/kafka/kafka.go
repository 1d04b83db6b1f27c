// Package kafka carries delivery jobs over a Kafka topic using a consumer
// group with explicit commits.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a dispatch.JobQueue backed by a Kafka topic.
type Producer struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewProducer(writer MessageWriter, logger *slog.Logger) *Producer {
	return &Producer{writer: writer, logger: logger.With("component", "KafkaProducer")}
}

// Submit keys messages by device so jobs for one device share a partition.
func (p *Producer) Submit(ctx context.Context, job push.Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.DeviceID), Value: value}); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.SendLogID, err)
	}
	p.logger.Debug("Job written", "send_log_id", job.SendLogID)
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

type ConsumerConfig struct {
	// Workers is the number of concurrent handler goroutines.
	Workers int
	Backoff time.Duration
	// MaxDeliveries caps handler runs for one message before it is committed anyway.
	MaxDeliveries int
	// MaxInFlight bounds messages fetched but not yet committed.
	MaxInFlight int
}

type delivery struct {
	msg     kafka.Message
	job     push.Job
	attempt int
}

// Consumer is a dispatch.JobConsumer. One loop fetches messages and hands
// them to a pool of workers. A handler error schedules the same message again
// after the backoff without holding a worker or the fetch loop. Offsets are
// committed per partition up to the highest contiguous settled message, so a
// message waiting for redelivery is never committed past.
type Consumer struct {
	reader  MessageReader
	cfg     ConsumerConfig
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	work    chan *delivery
	slots   chan struct{}
	offsets *offsetTracker

	commitMu sync.Mutex
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	once     sync.Once
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6,
	})
}

func NewConsumer(reader MessageReader, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 5
	}
	if cfg.MaxInFlight < cfg.Workers {
		cfg.MaxInFlight = max(256, cfg.Workers)
	}
	return &Consumer{
		reader:  reader,
		cfg:     cfg,
		logger:  logger.With("component", "KafkaConsumer"),
		sleep:   sleepContext,
		work:    make(chan *delivery),
		slots:   make(chan struct{}, cfg.MaxInFlight),
		offsets: newOffsetTracker(),
	}
}

// Start launches the fetch loop and the workers. It returns immediately.
func (c *Consumer) Start(ctx context.Context, handler dispatch.JobHandler) error {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, handler)
	}
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("Kafka consumer started", "workers", c.cfg.Workers, "backoff", c.cfg.Backoff)
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			<-c.slots
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch message", "err", err)
			if c.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		c.offsets.track(msg)

		var job push.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.SendLogID == "" {
			c.logger.Error("Discarding malformed job message", "offset", msg.Offset, "partition", msg.Partition, "err", err)
			c.settle(ctx, msg)
			continue
		}

		select {
		case c.work <- &delivery{msg: msg, job: job, attempt: 1}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, handler dispatch.JobHandler) {
	defer c.wg.Done()
	for {
		select {
		case d := <-c.work:
			c.process(ctx, d, handler)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) process(ctx context.Context, d *delivery, handler dispatch.JobHandler) {
	logger := c.logger.With("offset", d.msg.Offset, "partition", d.msg.Partition, "send_log_id", d.job.SendLogID)

	err := handler(ctx, d.job)
	if err == nil {
		c.settle(ctx, d.msg)
		return
	}
	if d.attempt >= c.cfg.MaxDeliveries {
		logger.Error("Delivery cap reached, committing job", "err", err)
		c.settle(ctx, d.msg)
		return
	}
	if ctx.Err() != nil {
		// Left uncommitted: the group redelivers it after a restart.
		return
	}

	logger.Debug("Job handed back, retrying after backoff", "delivery", d.attempt, "err", err)
	d.attempt++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.sleep(ctx, c.cfg.Backoff) != nil {
			return
		}
		select {
		case c.work <- d:
		case <-ctx.Done():
		}
	}()
}

// settle marks msg finished and commits the partition's new watermark, if any.
func (c *Consumer) settle(ctx context.Context, msg kafka.Message) {
	defer func() { <-c.slots }()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	commit, ok := c.offsets.settle(msg)
	if !ok {
		return
	}
	if err := c.reader.CommitMessages(ctx, commit); err != nil && ctx.Err() == nil {
		c.logger.Error("Failed to commit message", "offset", commit.Offset, "partition", commit.Partition, "err", err)
	}
}

// Stop ends the fetch loop, waits for workers and pending redeliveries to
// exit, and closes the reader.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.cancel == nil {
			err = c.reader.Close()
			return
		}
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = c.reader.Close()
	})
	return err
}

type partitionOffsets struct {
	fetched []kafka.Message
	settled map[int64]bool
}

// offsetTracker orders settlement per partition. Messages are fetched in
// offset order within a partition but may finish in any order.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]bool)}
		t.partitions[msg.Partition] = p
	}
	p.fetched = append(p.fetched, msg)
}

// settle returns the last message of the contiguous settled prefix when that
// prefix grew.
func (t *offsetTracker) settle(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.settled[msg.Offset] = true

	var commit kafka.Message
	advanced := false
	for len(p.fetched) > 0 && p.settled[p.fetched[0].Offset] {
		commit = p.fetched[0]
		delete(p.settled, commit.Offset)
		p.fetched = p.fetched[1:]
		advanced = true
	}
	return commit, advanced
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
