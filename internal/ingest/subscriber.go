package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/monitoring"
)

// recvTimeout bounds how long Run waits in a receive before rechecking
// its context.
const recvTimeout = 200 * time.Millisecond

// Handler consumes decoded messages. *detection.Adapter implements it.
type Handler interface {
	Handle(msg any) error
}

// Subscriber reads one detector's ZeroMQ SUB socket and feeds a Handler.
type Subscriber struct {
	name     string
	endpoint string
	topic    string
	shape    detection.Shape
	handler  Handler

	// LogEvery rate-limits receive and decode errors on the ops stream.
	LogEvery int

	received atomic.Uint64
	failed   atomic.Uint64
}

// NewSubscriber binds a subscription to a handler. An empty topic
// subscribes to every message on the endpoint.
func NewSubscriber(name, endpoint, topic string, shape detection.Shape, h Handler) (*Subscriber, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ingest: %s: endpoint is empty", name)
	}
	if _, err := detection.ParseShape(string(shape)); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("ingest: %s: handler is nil", name)
	}
	return &Subscriber{name: name, endpoint: endpoint, topic: topic, shape: shape, handler: h, LogEvery: 50}, nil
}

// Received returns the number of messages handed to the handler.
func (s *Subscriber) Received() uint64 { return s.received.Load() }

// Failed returns the number of messages that could not be decoded or
// handled.
func (s *Subscriber) Failed() uint64 { return s.failed.Load() }

// Run connects and receives until ctx is cancelled. Per-message failures
// are logged and skipped; only socket setup errors are returned.
func (s *Subscriber) Run(ctx context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("ingest: %s: new socket: %w", s.name, err)
	}
	defer socket.Close()

	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		return fmt.Errorf("ingest: %s: set timeout: %w", s.name, err)
	}
	if err := socket.SetLinger(0); err != nil {
		return fmt.Errorf("ingest: %s: set linger: %w", s.name, err)
	}
	if err := socket.SetSubscribe(s.topic); err != nil {
		return fmt.Errorf("ingest: %s: subscribe %q: %w", s.name, s.topic, err)
	}
	if err := socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("ingest: %s: connect %s: %w", s.name, s.endpoint, err)
	}
	monitoring.Diagf("[Ingest] %s: subscribed to %s topic=%q shape=%s", s.name, s.endpoint, s.topic, s.shape)

	for {
		if ctx.Err() != nil {
			monitoring.Diagf("[Ingest] %s: stopped after %d messages", s.name, s.Received())
			return nil
		}

		frames, err := socket.RecvMessageBytes(0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			s.fail("receive: %v", err)
			continue
		}
		if len(frames) == 0 {
			continue
		}
		// A topic frame, if present, precedes the payload.
		payload := frames[len(frames)-1]
		if err := s.deliver(payload); err != nil {
			s.fail("%v", err)
		}
	}
}

func (s *Subscriber) deliver(payload []byte) error {
	msg, err := Decode(s.shape, payload)
	if err != nil {
		return err
	}
	if err := s.handler.Handle(msg); err != nil {
		return err
	}
	s.received.Add(1)
	return nil
}

func (s *Subscriber) fail(format string, args ...any) {
	n := s.failed.Add(1)
	every := uint64(max(1, s.LogEvery))
	if n == 1 || n%every == 0 {
		monitoring.Opsf("[Ingest] %s: "+format+" (%d failures)", append([]any{s.name}, append(args, n)...)...)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}
