package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

const writeTimeout = 10 * time.Second

type frame struct {
	messageType int
	data        []byte
}

// connection is one websocket client. Only the writer goroutine writes to ws once the session
// runs; everything else goes through outbox or wake.
type connection struct {
	id string
	ws *websocket.Conn

	mu   sync.Mutex
	cctx Context

	notify    chan struct{}
	outbox    chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn) *connection {
	return &connection{
		id:     id,
		ws:     ws,
		notify: make(chan struct{}, 1),
		outbox: make(chan frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *connection) context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cctx
}

func (c *connection) setContext(cctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cctx = cctx
}

// wake asks the writer to generate sync messages.
func (c *connection) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *connection) send(f frame) bool {
	select {
	case c.outbox <- f:
		return true
	case <-c.closed:
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// fail queues an error message followed by a close frame.
func (c *connection) fail(err error) {
	c.send(frame{websocket.TextMessage, encodeControl(ControlMessage{Type: MessageError, Message: err.Error()})})
	c.send(frame{websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")})
}

// reject is used before the session runs, while the handler still owns the socket.
func (c *connection) reject(err error) {
	_ = c.ws.WriteMessage(websocket.TextMessage, encodeControl(ControlMessage{Type: MessageError, Message: err.Error()}))
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""),
		time.Now().Add(writeTimeout),
	)
}

func (c *connection) run(ctx context.Context, s *Server, d *document) error {
	peer := d.doc.NewSyncPeer()
	readErr := make(chan error, 1)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close()
		readErr <- c.readLoop(ctx, s, d, peer)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.ws.Close()
		defer c.close()
		if err := c.writeLoop(ctx, peer); err != nil {
			s.logger.Debug("writer stopped", "connection", c.id, "err", err)
		}
	}()

	c.wake()
	wg.Wait()
	return <-readErr
}

func (c *connection) write(f frame) error {
	if f.messageType == websocket.CloseMessage {
		return c.ws.WriteControl(f.messageType, f.data, time.Now().Add(writeTimeout))
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *connection) writeLoop(ctx context.Context, peer *shareddoc.SyncPeer) error {
	for {
		select {
		case <-c.notify:
			for _, msg := range peer.Generate() {
				if err := c.write(frame{websocket.BinaryMessage, msg}); err != nil {
					return err
				}
			}
		case f := <-c.outbox:
			if err := c.write(f); err != nil {
				return err
			}
			if f.messageType == websocket.CloseMessage {
				return nil
			}
		case <-c.closed:
			// flush anything queued before the close, such as an error message
			for {
				select {
				case f := <-c.outbox:
					if err := c.write(f); err != nil || f.messageType == websocket.CloseMessage {
						return err
					}
				default:
					return c.write(frame{websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")})
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *connection) readLoop(ctx context.Context, s *Server, d *document, peer *shareddoc.SyncPeer) error {
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || isClosed(c) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			changed, err := peer.Receive(raw)
			if err != nil {
				c.fail(err)
				return err
			}
			if changed {
				s.changed(d, c, c.context())
			}
			c.wake()
		case websocket.TextMessage:
			msg, err := decodeControl(mt, raw)
			if err == nil && msg.Type != MessageStateless {
				err = fmt.Errorf("%w: unexpected %q message", ErrProtocol, msg.Type)
			}
			if err == nil {
				err = s.stateless(ctx, d, c, msg.Payload)
			}
			if err != nil {
				c.fail(err)
				return err
			}
		}
	}
}

func isClosed(c *connection) bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (s *Server) stateless(ctx context.Context, d *document, c *connection, payload json.RawMessage) error {
	p := StatelessPayload{
		DocumentName: d.name,
		ConnectionID: c.id,
		Context:      c.context(),
		Payload:      payload,
		Replace:      c.setContext,
		Reply: func(v any) {
			raw, err := encodeStateless(v)
			if err != nil {
				s.logger.Error("failed to encode stateless reply", "err", err)
				return
			}
			c.send(frame{websocket.TextMessage, raw})
		},
	}
	for _, ext := range s.extensions {
		h, ok := ext.(StatelessHandler)
		if !ok {
			continue
		}
		if err := h.OnStatelessMessage(ctx, p); err != nil {
			return fmt.Errorf("stateless message rejected: %w", err)
		}
		p.Context = c.context()
	}
	return nil
}
