package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"codejudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Delivery state rides in these headers so it survives a republish.
const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
	headerExpiration = "x-message-expiration-ms"
)

// KafkaConfig holds broker, producer and fetch settings.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	DialTimeout time.Duration
}

func (c *KafkaConfig) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1 << 10
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireOne
	}
}

// WeightedTopic is a subscribed topic and its share of fetches.
type WeightedTopic struct {
	Topic  string
	Weight int
}

// KafkaQueue publishes job events and consumes judge submissions.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu        sync.Mutex
	consumers []*consumer
	running   bool
	closed    bool
}

// consumer fetches from a set of topics into one handler.
type consumer struct {
	topics  []WeightedTopic
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context
	limiter FetchLimiter

	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaQueue builds the writer and dialer. No connection is made until
// the first publish or Start.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg.setDefaults()

	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
	}
	return &KafkaQueue{config: cfg, writer: writer, dialer: dialer}, nil
}

// Publish writes message keyed by its ID, so one job always lands on the
// same partition.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	switch {
	case message == nil:
		return errors.New("message is nil")
	case topic == "":
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, encodeMessage(topic, message))
}

// SubscribeWeighted registers one handler over several topics. Fetches rotate
// across topics in proportion to their weights; limiter, when set, bounds the
// messages in flight and otherwise opts.Concurrency does.
func (k *KafkaQueue) SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error {
	if len(topics) == 0 {
		return errors.New("topics are required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	for _, t := range topics {
		if t.Topic == "" || t.Weight <= 0 {
			return fmt.Errorf("invalid topic %q with weight %d", t.Topic, t.Weight)
		}
	}

	c := &consumer{topics: topics, handler: handler, parent: ctx, limiter: limiter}
	if opts != nil {
		c.opts = *opts
	}
	c.opts.SetDefaults()
	if c.opts.ConsumerGroup == "" {
		c.opts.ConsumerGroup = "codejudge-" + topics[0].Topic
	}
	if c.limiter == nil {
		c.limiter = NewTokenLimiter(c.opts.Concurrency)
	}
	if c.parent == nil {
		c.parent = context.Background()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.consumers = append(k.consumers, c)
	if k.running {
		k.launch(c)
	}
	return nil
}

// Start begins fetching for every registered consumer.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if !k.running {
		for _, c := range k.consumers {
			k.launch(c)
		}
		k.running = true
	}
	return nil
}

// Stop cancels fetching and waits for in-flight handlers before closing
// the readers.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.consumers {
		if c.cancel != nil {
			c.cancel()
		}
	}
	var errs []error
	for _, c := range k.consumers {
		c.wg.Wait()
		for _, r := range c.readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.readers = nil
	}
	k.running = false
	return errors.Join(errs...)
}

// Close stops consumers and flushes the writer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	stopErr := k.Stop()
	return errors.Join(stopErr, k.writer.Close())
}

func (k *KafkaQueue) launch(c *consumer) {
	c.readers = make([]*kafka.Reader, len(c.topics))
	for i, t := range c.topics {
		c.readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.config.Brokers,
			Topic:       t.Topic,
			GroupID:     c.opts.ConsumerGroup,
			Dialer:      k.dialer,
			MinBytes:    k.config.MinBytes,
			MaxBytes:    k.config.MaxBytes,
			MaxWait:     k.config.MaxWait,
			StartOffset: kafka.LastOffset,
		})
	}
	c.ctx, c.cancel = context.WithCancel(c.parent)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		k.fetchLoop(c, BuildWeightedSchedule(c.topics))
	}()
}

func (k *KafkaQueue) fetchLoop(c *consumer, schedule []int) {
	for turn := 0; c.ctx.Err() == nil; turn++ {
		if err := c.limiter.Acquire(c.ctx); err != nil {
			return
		}
		reader := c.readers[schedule[turn%len(schedule)]]
		fetchCtx, cancel := context.WithTimeout(c.ctx, k.config.MaxWait)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			// An empty topic times out here; move on to the next turn.
			c.limiter.Release()
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.limiter.Release()
			k.deliver(c, reader, msg)
		}()
	}
}

// deliver runs the handler with in-place retries, then commits. A message
// that exhausts its retries is dead-lettered when a topic is configured.
func (k *KafkaQueue) deliver(c *consumer, reader *kafka.Reader, raw kafka.Message) {
	m := decodeMessage(raw)
	if m.MaxRetries == 0 {
		m.MaxRetries = c.opts.MaxRetries
	}
	if m.Expiration == 0 {
		m.Expiration = c.opts.MessageTTL
	}
	ctx := c.ctx
	if m.Expired(time.Now()) {
		logger.Warn(ctx, "dropping expired message", zap.String("topic", raw.Topic), zap.String("message_id", m.ID))
		k.commit(ctx, reader, raw)
		return
	}

	for {
		err := c.handler(ctx, m)
		if err == nil {
			k.commit(ctx, reader, raw)
			return
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries || ctx.Err() != nil {
			k.deadLetter(c.opts.DeadLetterTopic, m, err)
			k.commit(context.Background(), reader, raw)
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.opts.RetryDelay):
		}
	}
}

func (k *KafkaQueue) deadLetter(topic string, m *Message, cause error) {
	ctx := context.Background()
	if topic == "" {
		logger.Warn(ctx, "message retries exhausted, dropping", zap.String("message_id", m.ID), zap.Error(cause))
		return
	}
	if err := k.Publish(ctx, topic, m); err != nil {
		logger.Error(ctx, "dead letter publish failed", zap.String("topic", topic), zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (k *KafkaQueue) commit(ctx context.Context, reader *kafka.Reader, raw kafka.Message) {
	if err := reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
		logger.Warn(ctx, "commit message failed", zap.String("topic", raw.Topic), zap.Int64("offset", raw.Offset), zap.Error(err))
	}
}

// BuildWeightedSchedule expands topic weights into the per-turn reader
// index: weights {3, 1} give [0 0 0 1].
func BuildWeightedSchedule(topics []WeightedTopic) []int {
	var schedule []int
	for idx, t := range topics {
		for n := t.Weight; n > 0; n-- {
			schedule = append(schedule, idx)
		}
	}
	return schedule
}

func encodeMessage(topic string, m *Message) kafka.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(m.Headers)+5)
	add := func(key, value string) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	for key, value := range m.Headers {
		add(key, value)
	}
	add(headerTimestamp, m.Timestamp.Format(time.RFC3339Nano))
	if m.ID != "" {
		add(headerID, m.ID)
	}
	if m.RetryCount != 0 {
		add(headerRetryCount, strconv.Itoa(m.RetryCount))
	}
	if m.MaxRetries != 0 {
		add(headerMaxRetries, strconv.Itoa(m.MaxRetries))
	}
	if m.Expiration > 0 {
		add(headerExpiration, strconv.FormatInt(m.Expiration.Milliseconds(), 10))
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.ID),
		Value:   m.Body,
		Headers: headers,
		Time:    m.Timestamp,
	}
}

// decodeMessage moves delivery headers into Message fields. Malformed
// values are ignored and the remaining headers are kept as is.
func decodeMessage(raw kafka.Message) *Message {
	m := &Message{
		ID:        string(raw.Key),
		Body:      raw.Value,
		Headers:   make(map[string]string, len(raw.Headers)),
		Timestamp: raw.Time,
	}
	for _, h := range raw.Headers {
		value := string(h.Value)
		switch h.Key {
		case headerID:
			m.ID = value
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			m.RetryCount = nonNegative(value, m.RetryCount)
		case headerMaxRetries:
			m.MaxRetries = nonNegative(value, m.MaxRetries)
		case headerExpiration:
			if ms := nonNegative(value, 0); ms > 0 {
				m.Expiration = time.Duration(ms) * time.Millisecond
			}
		default:
			m.Headers[h.Key] = value
		}
	}
	return m
}

func nonNegative(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
