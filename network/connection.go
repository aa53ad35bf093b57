package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSConn is the subset of *websocket.Conn used by Connection, so sessions
// can be driven by an in-memory fake.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens websocket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (WSConn, error)
}

// WebsocketDialer dials real websocket connections.
type WebsocketDialer struct{}

// Dial connects to rawURL announcing SubProtocol.
func (WebsocketDialer) Dial(ctx context.Context, rawURL string) (WSConn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		Subprotocols: []string{SubProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

// SocketURL builds <ws|wss>://<domain>/websockets?id=<id>&p=<appKey>:<appSecret>.
func SocketURL(secure bool, domain, id, appKey, appSecret string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	query := url.Values{}
	query.Set("id", id)
	query.Set("p", appKey+":"+appSecret)
	return fmt.Sprintf("%s://%s/websockets?%s", scheme, domain, query.Encode())
}

// connectionHandlers receives the events of one Connection. Every callback
// carries the connection generation it was started with.
type connectionHandlers struct {
	onFrame func(gen uint64, payload []byte)
	onClose func(gen uint64, clean bool, err error)
}

// Connection is one open websocket plus its reader goroutine.
type Connection struct {
	conn   WSConn
	gen    uint64
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(conn WSConn, gen uint64, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:   conn,
		gen:    gen,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start launches the reader goroutine. It exits on the first read error and
// reports the close through handlers.onClose exactly once.
func (c *Connection) start(handlers connectionHandlers) {
	go func() {
		defer close(c.done)
		for {
			typ, data, err := c.conn.Read(c.ctx)
			if err != nil {
				clean := websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
				c.logger.Debug("websocket reader stopped",
					zap.Uint64("generation", c.gen),
					zap.Bool("clean", clean),
					zap.Error(err),
				)
				handlers.onClose(c.gen, clean, err)
				return
			}
			if typ != websocket.MessageText {
				c.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
				continue
			}
			handlers.onFrame(c.gen, data)
		}
	}()
}

// Send writes one text frame.
func (c *Connection) Send(payload []byte) error {
	if c == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(c.ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the websocket with a normal closure status.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.conn.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
	})
	return closeErr
}

// Done is closed once the reader goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
