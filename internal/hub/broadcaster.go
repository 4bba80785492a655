package hub

import (
	"errors"
	"fmt"

	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/market"
)

// DeliveryError 单个订阅者投递失败，不影响其他订阅者。
type DeliveryError struct {
	ClientID string
	Reason   string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.ClientID, e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Broadcaster 把快照编码一次后投递给所有在线订阅者。
type Broadcaster struct {
	registry *Registry
	logger   *logger.Logger
	monitor  *monitor.Monitor
}

// NewBroadcaster logger/monitor 可为 nil。
func NewBroadcaster(reg *Registry, log *logger.Logger, mon *monitor.Monitor) *Broadcaster {
	if log == nil {
		log = logger.NewNop()
	}
	return &Broadcaster{registry: reg, logger: log, monitor: mon}
}

// Broadcast 编码失败返回 error；投递失败只记录并返回给调用方，不中断循环。
func (b *Broadcaster) Broadcast(snap market.Snapshot) ([]*DeliveryError, error) {
	payload, err := snap.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if b.monitor != nil {
		b.monitor.RecordBroadcast(len(payload))
	}
	return b.deliverAll(payload), nil
}

func (b *Broadcaster) deliverAll(payload []byte) []*DeliveryError {
	var failures []*DeliveryError
	for _, sub := range b.registry.List() {
		if derr := b.deliver(sub, payload); derr != nil {
			failures = append(failures, derr)
			b.logger.LogDelivery(derr.ClientID, derr)
			if b.monitor != nil {
				b.monitor.RecordDeliveryFailure(derr.Reason)
			}
		}
	}
	return failures
}

func (b *Broadcaster) deliver(sub Subscriber, payload []byte) (derr *DeliveryError) {
	defer func() {
		if r := recover(); r != nil {
			derr = &DeliveryError{ClientID: sub.ID(), Reason: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	if c, ok := sub.(interface{ Open() bool }); ok && !c.Open() {
		return nil
	}
	err := sub.Enqueue(payload)
	switch {
	case err == nil:
		if b.monitor != nil {
			b.monitor.RecordDelivery()
		}
		return nil
	case errors.Is(err, ErrClientClosed):
		return nil
	case errors.Is(err, ErrQueueFull):
		return &DeliveryError{ClientID: sub.ID(), Reason: "queue_full", Err: err}
	default:
		return &DeliveryError{ClientID: sub.ID(), Reason: "send", Err: err}
	}
}
