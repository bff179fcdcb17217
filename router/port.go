package router

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Port is one end of a transferred message channel. Ownership of a message
// moves with the send.
type Port interface {
	Send(msg []byte) error
	Receive() <-chan []byte
	Close() error
}

// =============================================================================
// In-process pipe (tests, same-process embedding)
// =============================================================================

type pipePort struct {
	out  chan<- []byte
	in   <-chan []byte
	once *sync.Once
	done chan struct{}
}

// NewPipe creates a connected port pair.
func NewPipe() (Port, Port) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipePort{out: ab, in: ba, once: once, done: done}
	b := &pipePort{out: ba, in: ab, once: once, done: done}
	return a, b
}

func (p *pipePort) Send(msg []byte) error {
	select {
	case <-p.done:
		return errClosed
	case p.out <- msg:
		return nil
	}
}

func (p *pipePort) Receive() <-chan []byte {
	return p.in
}

func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

var errClosed = &portClosedError{}

type portClosedError struct{}

func (*portClosedError) Error() string { return "port closed" }

// =============================================================================
// WebSocket port
// =============================================================================

// WebSocketPort adapts a gorilla websocket connection to the Port interface.
type WebSocketPort struct {
	conn    *websocket.Conn
	in      chan []byte
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketPort wraps an upgraded connection and starts its read pump.
func NewWebSocketPort(conn *websocket.Conn) *WebSocketPort {
	p := &WebSocketPort{conn: conn, in: make(chan []byte, 64)}
	go p.readPump()
	return p
}

func (p *WebSocketPort) readPump() {
	defer p.Close()
	for {
		msgType, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		p.in <- raw
	}
}

// Send implements Port.
func (p *WebSocketPort) Send(msg []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

// Receive implements Port.
func (p *WebSocketPort) Receive() <-chan []byte {
	return p.in
}

// Close implements Port.
func (p *WebSocketPort) Close() error {
	var err error
	p.once.Do(func() {
		err = p.conn.Close()
		close(p.in)
	})
	return err
}
