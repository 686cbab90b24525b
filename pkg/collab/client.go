package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
)

var ErrClientClosed = errors.New("client closed")

// Client syncs a local shared document with a collaboration server.
type Client struct {
	ws   *websocket.Conn
	doc  *shareddoc.Document
	peer *shareddoc.SyncPeer

	notify    chan struct{}
	outbox    chan frame
	stateless chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to url, authenticates with token and returns once the server has accepted the
// token. Call Run to start syncing doc.
func Dial(ctx context.Context, url, token string, doc *shareddoc.Document) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, encodeControl(ControlMessage{Type: MessageAuth, Token: token})); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to send auth: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	mt, raw, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to read auth reply: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	msg, err := decodeControl(mt, raw)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if msg.Type != MessageAuthenticated {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, msg.Message)
	}
	return &Client{
		ws:        ws,
		doc:       doc,
		peer:      doc.NewSyncPeer(),
		notify:    make(chan struct{}, 1),
		outbox:    make(chan frame, 16),
		stateless: make(chan json.RawMessage, 16),
		closed:    make(chan struct{}),
	}, nil
}

// Changed tells the client the local document changed and should be sent.
func (c *Client) Changed() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// SendStateless sends a stateless message such as a token refresh.
func (c *Client) SendStateless(payload any) error {
	raw, err := encodeStateless(payload)
	if err != nil {
		return fmt.Errorf("failed to encode stateless message: %w", err)
	}
	select {
	case c.outbox <- frame{websocket.TextMessage, raw}:
		return nil
	case <-c.closed:
		return ErrClientClosed
	}
}

// Stateless delivers stateless messages sent by the server.
func (c *Client) Stateless() <-chan json.RawMessage {
	return c.stateless
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Run syncs until ctx is done, Close is called or the server ends the session. A server error
// message is returned as an error.
func (c *Client) Run(ctx context.Context) error {
	wg := new(sync.WaitGroup)
	readErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		readErr <- c.readLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.ws.Close()
		defer c.Close()
		c.writeLoop(ctx)
	}()

	c.Changed()
	wg.Wait()
	return <-readErr
}

func (c *Client) readLoop() error {
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.ClosePolicyViolation {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			if _, err := c.peer.Receive(raw); err != nil {
				return err
			}
			c.Changed()
		case websocket.TextMessage:
			msg, err := decodeControl(mt, raw)
			if err != nil {
				return err
			}
			switch msg.Type {
			case MessageError:
				return fmt.Errorf("server error: %s", msg.Message)
			case MessageStateless:
				select {
				case c.stateless <- msg.Payload:
				default:
				}
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.notify:
			for _, msg := range c.peer.Generate() {
				if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		case f := <-c.outbox:
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout),
			)
			return
		case <-ctx.Done():
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout),
			)
			return
		}
	}
}
