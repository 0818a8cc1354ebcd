package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

const (
	// writeWait bounds a single frame or control write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays considered alive.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so pings keep the deadline fresh.
	pingPeriod = 30 * time.Second
	// maxFrameSize allows for full snapshots of large documents.
	maxFrameSize = 8 << 20
	// sendBuffer is the outbound queue depth before Send starts dropping.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one websocket with a buffered outbound queue and liveness
// pings. Send never blocks: a full queue drops the frame and reports a
// transport fault, which callers treat as recoverable since the next
// full-state sync re-delivers everything that matters. That sync itself
// uses SendWait, which waits for queue room rather than dropping.
type Conn struct {
	ws   *websocket.Conn
	log  *logging.Logger
	send chan []byte

	once   sync.Once
	closed chan struct{}
}

// NewConn wraps an established websocket and starts its write pump, so
// frames queued before Run is called still drain.
func NewConn(ws *websocket.Conn, log *logging.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		log:    log,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Accept upgrades an incoming HTTP request to a frame connection.
func Accept(w http.ResponseWriter, r *http.Request, log *logging.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Transport, err, "upgrading connection from %s", r.RemoteAddr)
	}
	return NewConn(ws, log), nil
}

// DialURL connects to a replica at a full websocket URL.
func DialURL(ctx context.Context, rawURL string, log *logging.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Transport, err, "dialing %s", rawURL)
	}
	return NewConn(ws, log), nil
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send queues a frame for delivery without blocking. It fails if the
// connection is closed or the outbound queue is full.
func (c *Conn) Send(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return fault.Transportf("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fault.Transportf("send queue full, %s frame for %s dropped", f.Kind, f.Doc)
	}
}

// SendWait queues a frame, waiting up to writeWait for queue room
// instead of dropping. The attach exchange sends every known document
// through here so runs larger than the queue reach the peer complete.
func (c *Conn) SendWait(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return fault.Transportf("connection closed")
	case <-t.C:
		return fault.Transportf("send queue stalled, %s frame for %s dropped", f.Kind, f.Doc)
	}
}

// Run reads frames until the connection fails or ctx is cancelled; the
// write pump runs from construction. onFrame runs synchronously on
// Run's goroutine; malformed frames are logged and skipped. Run always
// returns a non-nil transport fault describing why the connection
// ended.
func (c *Conn) Run(ctx context.Context, onFrame func(Frame)) error {
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.closed:
			}
		}()
	}
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fault.Wrap(fault.Transport, err, "connection to %s lost", c.RemoteAddr())
		}
		f, err := DecodeFrame(data)
		if err != nil {
			c.log.Err(err).Str("remote", c.RemoteAddr()).Msg("skipping malformed frame")
			continue
		}
		onFrame(f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once and from
// any goroutine.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}
