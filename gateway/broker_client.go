package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"candle-relay/infrastructure/logger"
	"candle-relay/infrastructure/monitor"
	"candle-relay/market"
)

// CandleChannel broker 推送 K 线的事件名。
const CandleChannel = "candle-generated"

var (
	// ErrDisconnected 上游正常关闭连接（disconnected 事件）。
	ErrDisconnected = errors.New("broker disconnected")
	// ErrNotConnected 在 Connect 之前调用了需要连接的方法。
	ErrNotConnected = errors.New("broker not connected")
	// ErrNotLoggedIn 在 Login 之前调用了 Connect。
	ErrNotLoggedIn = errors.New("broker login required")
)

// 连续登录超过 loginBurst 次后每 5 秒最多一次，与默认重连间隔一致
const (
	loginInterval = 5 * time.Second
	loginBurst    = 3
)

// SubscribeParams 订阅参数。
type SubscribeParams struct {
	InstrumentID  int
	PeriodSeconds int
}

// BrokerClient 行情源客户端：HTTP 登录换取 ssid，websocket 推送 K 线。
// HTTPClient/Dialer 可注入 httptest。
type BrokerClient struct {
	AuthURL     string
	WSURL       string
	Email       string
	Password    string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Limiter     RateLimiter   // 登录限速，nil 表示不限
	ReadTimeout time.Duration // 超过该时间无任何帧视为连接失效
	Logger      *logger.Logger
	Monitor     *monitor.Monitor // 可为 nil

	mu         sync.Mutex
	writeMu    sync.Mutex
	ssid       string
	conn       *websocket.Conn
	instrument int64
}

// NewBrokerClient 创建客户端。
func NewBrokerClient(authURL, wsURL, email, password string) *BrokerClient {
	return &BrokerClient{
		AuthURL:     strings.TrimRight(authURL, "/"),
		WSURL:       wsURL,
		Email:       email,
		Password:    password,
		HTTPClient:  NewDefaultHTTPClient(),
		Dialer:      websocket.DefaultDialer,
		Limiter:     NewLoginLimiter(loginInterval, loginBurst),
		ReadTimeout: 30 * time.Second,
		Logger:      logger.NewNop(),
	}
}

type loginReq struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResp struct {
	Code    string `json:"code"`
	SSID    string `json:"ssid"`
	Message string `json:"message"`
}

// Login 调用 /api/v2/login 获取 ssid。错误信息中不包含凭证。
func (c *BrokerClient) Login(ctx context.Context) error {
	if c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("login rate limit: %w", err)
		}
	}
	body, err := json.Marshal(loginReq{Identifier: c.Email, Password: c.Password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthURL+"/api/v2/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("login status %d", resp.StatusCode)
	}
	var lr loginResp
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if lr.SSID == "" {
		return fmt.Errorf("login rejected: code=%q message=%q", lr.Code, lr.Message)
	}

	c.mu.Lock()
	c.ssid = lr.SSID
	c.mu.Unlock()
	return nil
}

// Connect 建立 websocket 连接并发送 ssid 完成鉴权。
func (c *BrokerClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	ssid := c.ssid
	c.mu.Unlock()
	if ssid == "" {
		return ErrNotLoggedIn
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Name: "ssid", Msg: mustRaw(ssid)}); err != nil {
		c.Close()
		return fmt.Errorf("send ssid: %w", err)
	}
	return nil
}

type routingFilters struct {
	ActiveID int `json:"active_id"`
	Size     int `json:"size"`
}

type subscribeMsg struct {
	Name   string `json:"name"`
	Params struct {
		RoutingFilters routingFilters `json:"routingFilters"`
	} `json:"params"`
}

// Subscribe 订阅指定事件流。
func (c *BrokerClient) Subscribe(ctx context.Context, channel string, params SubscribeParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var sm subscribeMsg
	sm.Name = channel
	sm.Params.RoutingFilters = routingFilters{ActiveID: params.InstrumentID, Size: params.PeriodSeconds}
	raw, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	if err := c.writeFrame(Frame{Name: "subscribeMessage", Msg: raw}); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.mu.Lock()
	c.instrument = int64(params.InstrumentID)
	c.mu.Unlock()
	return nil
}

// Stream 阻塞读取推送，把 K 线收盘价写入 out，直到连接断开或 ctx 取消。
// 上游正常关闭返回 ErrDisconnected，其它读错误原样包装返回。
func (c *BrokerClient) Stream(ctx context.Context, out chan<- market.Tick) error {
	c.mu.Lock()
	conn := c.conn
	instrument := c.instrument
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	timeout := c.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrDisconnected
			}
			return fmt.Errorf("read: %w", err)
		}

		f, err := ParseFrame(raw)
		if err != nil {
			c.dropFrame("frame", "", len(raw), err)
			continue
		}
		switch f.Name {
		case CandleChannel:
			candle, err := decodeCandle(f.Msg)
			if err != nil {
				c.dropFrame("candle", f.Name, len(raw), err)
				continue
			}
			if instrument != 0 && candle.ActiveID != 0 && candle.ActiveID != instrument {
				continue
			}
			select {
			case out <- candle.Tick():
			case <-ctx.Done():
				return ctx.Err()
			}
		case "heartbeat":
			_ = c.replyHeartbeat(f.Msg)
		default:
			// timeSync/profile 等忽略
		}
	}
}

// dropFrame 记录并丢弃无法解析的上游帧，连接保持。
func (c *BrokerClient) dropFrame(reason, name string, size int, err error) {
	if c.Logger != nil {
		c.Logger.Warn("malformed broker frame dropped",
			zap.String("reason", reason),
			zap.String("name", name),
			zap.Int("bytes", size),
			zap.Error(err))
	}
	if c.Monitor != nil {
		c.Monitor.RecordFrameDropped(reason)
	}
}

func (c *BrokerClient) replyHeartbeat(msg json.RawMessage) error {
	reply := struct {
		UserTime      int64           `json:"userTime"`
		HeartbeatTime json.RawMessage `json:"heartbeatTime"`
	}{UserTime: time.Now().UnixMilli(), HeartbeatTime: msg}
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return c.writeFrame(Frame{Name: "heartbeat", Msg: raw})
}

func (c *BrokerClient) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(f)
}

// Close 关闭连接，可重复调用。
func (c *BrokerClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func mustRaw(v interface{}) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
