// Package transport carries protocol frames over a websocket: commands with
// acknowledgements correlated by id, fire-and-forget commands, and server
// pushes dispatched to handlers by event name.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/gigchat/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 25 * time.Second
	readLimit           = 1 << 20
)

// ErrClosed is returned for operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// AckError is a command the server acknowledged with an error.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

// Handler receives the data of a server push.
type Handler func(data json.RawMessage)

// Channel is one authenticated bidirectional connection to the backend.
type Channel interface {
	// Emit sends a command and waits for its acknowledgement payload.
	Emit(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Notify sends a command that has no acknowledgement.
	Notify(ctx context.Context, event string, payload any) error
	// On registers the handler for a pushed event, replacing any previous one.
	On(event string, h Handler)
	// Done is closed once the channel is gone, whichever side closed it.
	Done() <-chan struct{}
	// Err reports why the channel closed.
	Err() error
	Close() error
}

// Dialer opens Channels.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Channel, error)
}

// WebsocketDialer dials channels with coder/websocket.
type WebsocketDialer struct {
	HTTPClient   *http.Client
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Channel, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return newWSChannel(conn, interval, logger), nil
}

type wsChannel struct {
	conn   *websocket.Conn
	logger *zap.Logger
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan protocol.Frame
	handlers map[string]Handler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newWSChannel(conn *websocket.Conn, pingInterval time.Duration, logger *zap.Logger) *wsChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan protocol.Frame),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop(pingInterval)
	return c
}

func (c *wsChannel) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	frame, err := protocol.NewEmit(id, event, payload)
	if err != nil {
		return nil, err
	}

	ackCh := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return nil, &AckError{Event: event, Message: ack.Error}
		}
		return ack.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", event, ctx.Err())
	case <-c.done:
		return nil, c.Err()
	}
}

func (c *wsChannel) Notify(ctx context.Context, event string, payload any) error {
	frame, err := protocol.NewEmit(0, event, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *wsChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = h
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *wsChannel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *wsChannel) write(ctx context.Context, frame protocol.Frame) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return fmt.Errorf("write %s: %w", frame.Event, err)
	}
	return nil
}

func (c *wsChannel) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.FrameAck:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- frame:
			default:
				c.logger.Debug("dropping duplicate ack", zap.Uint64("id", frame.ID))
			}
		case protocol.FrameEvent:
			c.mu.Lock()
			h := c.handlers[frame.Event]
			c.mu.Unlock()
			if h != nil {
				h(frame.Data)
			}
		default:
			c.logger.Debug("ignoring frame", zap.String("type", string(frame.Type)), zap.String("event", frame.Event))
		}
	}
}

func (c *wsChannel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
}
