// Package memory implements the broker contract on in-process channels. It
// backs the embedded runtime and the test suite.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/celerity/internal/domain"
)

const defaultQueueDepth = 4096

type unacked struct {
	msg     domain.TaskMessage
	queue   string
	release func()
}

// Broker is a channel-backed message transport. Deliveries carry a unique
// tag; prefetch is enforced per Consume call with a semaphore that Ack and
// Nack release.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]chan domain.TaskMessage
	unacked  map[string]unacked
	depth    int
	clock    domain.Clock
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Broker. A nil clock means time.Now.
func New(clock domain.Clock) *Broker {
	if clock == nil {
		clock = time.Now
	}
	return &Broker{
		queues:  make(map[string]chan domain.TaskMessage),
		unacked: make(map[string]unacked),
		depth:   defaultQueueDepth,
		clock:   clock,
		done:    make(chan struct{}),
	}
}

func (b *Broker) queue(name string) chan domain.TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan domain.TaskMessage, b.depth)
		b.queues[name] = ch
	}
	return ch
}

// Publish implements domain.Broker.
func (b *Broker) Publish(ctx context.Context, queue string, msg domain.TaskMessage) error {
	select {
	case b.queue(queue) <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=broker.publish queue=%s: %w", queue, ctx.Err())
	case <-b.done:
		return fmt.Errorf("op=broker.publish queue=%s: broker closed", queue)
	}
}

// Consume implements domain.Broker. One stream multiplexes all requested
// queues; at most prefetch deliveries are unacked at a time.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int) (<-chan domain.BrokerMessage, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	out := make(chan domain.BrokerMessage)
	slots := make(chan struct{}, prefetch)

	var wg sync.WaitGroup
	for _, name := range queues {
		src := b.queue(name)
		wg.Add(1)
		go func(name string, src chan domain.TaskMessage) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case slots <- struct{}{}:
				}
				select {
				case msg := <-src:
					tag := uuid.NewString()
					release := releaseOnce(slots)
					b.mu.Lock()
					b.unacked[tag] = unacked{msg: msg, queue: name, release: release}
					b.mu.Unlock()
					select {
					case out <- domain.BrokerMessage{
						Message:     msg,
						DeliveryTag: tag,
						Queue:       name,
						ReceivedAt:  b.clock(),
					}:
					case <-ctx.Done():
						// Undeliverable: put it back for another consumer.
						b.settle(tag, true)
						return
					case <-b.done:
						b.settle(tag, true)
						return
					}
				case <-ctx.Done():
					<-slots
					return
				case <-b.done:
					<-slots
					return
				}
			}
		}(name, src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Ack implements domain.Broker.
func (b *Broker) Ack(_ context.Context, deliveryTag string) error {
	return b.settle(deliveryTag, false)
}

// Nack implements domain.Broker.
func (b *Broker) Nack(_ context.Context, deliveryTag string, requeue bool) error {
	return b.settle(deliveryTag, requeue)
}

func (b *Broker) settle(deliveryTag string, requeue bool) error {
	b.mu.Lock()
	entry, ok := b.unacked[deliveryTag]
	if ok {
		delete(b.unacked, deliveryTag)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=broker.settle tag=%s: %w", deliveryTag, domain.ErrNotFound)
	}
	entry.release()
	if requeue {
		select {
		case b.queue(entry.queue) <- entry.msg:
		default:
		}
	}
	return nil
}

// Requeue implements domain.Broker: republish after delay on a timer.
func (b *Broker) Requeue(_ context.Context, queue string, msg domain.TaskMessage, delay time.Duration) error {
	if delay <= 0 {
		select {
		case b.queue(queue) <- msg:
			return nil
		default:
			return fmt.Errorf("op=broker.requeue queue=%s: queue full", queue)
		}
	}
	time.AfterFunc(delay, func() {
		select {
		case b.queue(queue) <- msg:
		case <-b.done:
		}
	})
	return nil
}

// PendingCount reports messages currently buffered in a queue.
func (b *Broker) PendingCount(queue string) int {
	return len(b.queue(queue))
}

// Close stops all consumers.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.done) })
}

func releaseOnce(slots chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { <-slots }) }
}
