// Package kafka feeds task payloads from Kafka message values. One
// message value becomes one payload; intake is paced by a token
// Controller so a topic burst cannot outrun the worker pool.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"offload/internal/logging"
	"offload/source"
)

type driver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	rl    *Controller

	payloads chan []byte
	runErr   chan error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      context.CancelFunc
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka-source: expected Config, got %T", raw)
	}
	applyDefaults(&c)
	d.cfg = c
	d.rl = NewController(c.Intake.Capacity, c.Intake.Refill, c.Intake.CheckInt)
	d.payloads = make(chan []byte, int(c.Intake.Capacity))
	d.runErr = make(chan error, 1)

	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = c.SASLUser, c.SASLPass
	}
	switch c.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if d.cl, err = sarama.NewClient(c.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(c.GroupID, d.cl)
	return err
}

// NextPayload hands out the next buffered message value. The consumer
// group session is started on first use.
func (d *driver) NextPayload(ctx context.Context) ([]byte, error) {
	d.startOnce.Do(d.start)
	select {
	case p := <-d.payloads:
		return p, nil
	case err := <-d.runErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *driver) start() {
	runCtx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	h := &groupHandler{driver: d, ctx: runCtx}
	go func() {
		for {
			if err := d.group.Consume(runCtx, d.cfg.Topics, h); err != nil {
				d.runErr <- err
				return
			}
			if runCtx.Err() != nil {
				d.runErr <- runCtx.Err()
				return
			}
		}
	}()
}

func (d *driver) Close() error {
	d.stopOnce.Do(func() {
		if d.stop != nil {
			d.stop()
		}
		if d.rl != nil {
			d.rl.Close()
		}
		if d.group != nil {
			_ = d.group.Close()
		}
		if d.cl != nil {
			_ = d.cl.Close()
		}
	})
	return nil
}

type groupHandler struct {
	driver *driver
	ctx    context.Context
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logging.L().Debug("kafka-source: rebalance")
	return nil
}

func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		if err := h.driver.rl.Acquire(sess.Context()); err != nil {
			return err
		}
		select {
		case <-sess.Context().Done():
			return sess.Context().Err()
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.driver.payloads <- msg.Value:
				sess.MarkMessage(msg, "")
			case <-sess.Context().Done():
				return sess.Context().Err()
			}
		}
	}
}

func init() {
	source.Register("kafka", func() source.Driver { return &driver{} })
}
