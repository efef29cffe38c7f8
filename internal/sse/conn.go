package sse

import (
	"errors"
	"sync"
)

var (
	// ErrConnClosed is returned by Send after the connection was closed.
	ErrConnClosed = errors.New("sse: connection closed")
	// ErrSlowConsumer is returned by Send when the buffer is full.
	ErrSlowConsumer = errors.New("sse: subscriber buffer full")
)

// Conn is one live observer connection as seen by the registry. Send must
// not block; Close must be safe to call more than once.
type Conn interface {
	Send(msg []byte) error
	Close()
}

// ChanConn buffers messages for a transport goroutine that drains Messages
// until Done is closed. The frames channel is never closed, so Send can not
// panic after Close.
type ChanConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewChanConn(buffer int) *ChanConn {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanConn{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *ChanConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.frames <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *ChanConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Messages yields queued messages in the order they were sent.
func (c *ChanConn) Messages() <-chan []byte {
	return c.frames
}

// Done is closed once the connection was closed by either side.
func (c *ChanConn) Done() <-chan struct{} {
	return c.done
}
