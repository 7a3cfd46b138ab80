package ingest

import (
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"
)

// Publisher is the sending side of a detector stream. Detector bridges and
// the simulator use it; the tracker itself only subscribes.
type Publisher struct {
	mu     sync.Mutex
	socket *zmq4.Socket
}

// NewPublisher binds a PUB socket on endpoint.
func NewPublisher(endpoint string) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("ingest: new publisher: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("ingest: set linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("ingest: bind %s: %w", endpoint, err)
	}
	return &Publisher{socket: socket}, nil
}

// Send encodes msg and publishes it as a [topic, payload] message.
func (p *Publisher) Send(topic string, msg any) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.socket.SendMessage(topic, payload); err != nil {
		return fmt.Errorf("ingest: send: %w", err)
	}
	return nil
}

// Close releases the socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket.Close()
}
