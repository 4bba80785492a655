package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxMessageSize = 4096 // 浏览器端只发控制帧

var (
	// ErrQueueFull 客户端发送队列已满（慢消费者）。
	ErrQueueFull = errors.New("send queue full")
	// ErrClientClosed 客户端已关闭或正在关闭。
	ErrClientClosed = errors.New("client closed")
)

// ClientOptions 单连接参数。
type ClientOptions struct {
	SendQueue int
	WriteWait time.Duration
	PongWait  time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 16
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 2 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

// Client 一个 websocket 订阅者，send 队列由 writePump 独占消费。
type Client struct {
	id   string
	conn *websocket.Conn
	opts ClientOptions

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient 包装已升级的连接。conn 可以为 nil（仅用于队列测试）。
func NewClient(conn *websocket.Conn, opts ClientOptions) *Client {
	opts = opts.withDefaults()
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendQueue),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Open 连接是否仍可投递。
func (c *Client) Open() bool { return !c.closed.Load() }

// Enqueue 非阻塞入队。
func (c *Client) Enqueue(payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	case c.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 关闭连接，可重复调用。send 通道不关闭，避免与 Enqueue 竞争。
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done 在连接关闭后返回。
func (c *Client) Done() <-chan struct{} { return c.done }

// readPump 只处理 pong 与关闭，读错误即结束连接。
func (c *Client) readPump(onClose func(*Client)) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose(c)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 串行写出队列中的快照并定期 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
