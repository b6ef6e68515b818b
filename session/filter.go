// Package session is the server's single-writer core: one dispatcher
// goroutine drains a global FIFO of (connection, message) pairs and runs
// the command handlers that mutate the user, channel and source registries.
package session

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/lcx/vox/msg"
)

// Conn is the dispatcher's view of a transport connection. net.Connection
// satisfies it; tests substitute fakes.
type Conn interface {
	NetworkID() uint32
	Send(m msg.Message) error
	SendAudio(a *msg.AudioData)
	Close(reason string)
}

// Delivery is one queued unit of work for the dispatcher.
type Delivery struct {
	Conn Conn
	Msg  msg.Message
}

// FilterHandleFunc processes a delivery, typically the next stage of the
// filter chain or the final handler lookup.
type FilterHandleFunc func(d *Delivery) error

// Filter is an interceptor in the dispatch pipeline. A filter may act
// before or after calling next, or drop the delivery by not calling it.
type Filter func(d *Delivery, next FilterHandleFunc) error

// FilterChain processes deliveries through its filters in order, by
// recursion: each filter receives a closure running the rest of the chain.
type FilterChain []Filter

// Handle runs the delivery through the chain and then the final handler.
func (fc FilterChain) Handle(d *Delivery, final FilterHandleFunc) error {
	if len(fc) == 0 {
		return final(d)
	}
	return fc[0](d, func(d *Delivery) error {
		return fc[1:].Handle(d, final)
	})
}

// RecvLimiter throttles dispatch with a token bucket. The limiter pointer
// is swapped atomically so the rate can be reloaded at runtime.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a token bucket limiter allowing limit
// messages per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Take blocks until a token is available.
func (l *RecvLimiter) Take() error {
	return l.limiter.Load().Wait(context.Background())
}

// Reload swaps in a new rate at runtime.
func (l *RecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// filter adapts the limiter into the dispatch pipeline. Audio frames skip
// the limiter entirely; throttling the hot path adds latency without
// protecting anything the bounded queues don't already protect.
func (l *RecvLimiter) filter(d *Delivery, next FilterHandleFunc) error {
	if d.Msg.TypeCode() != msg.TypeAudioData {
		if err := l.Take(); err != nil {
			return err
		}
	}
	return next(d)
}
