package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"snippetCollab/backend/internal/collab"
	"snippetCollab/backend/internal/metrics"
	"snippetCollab/backend/internal/protocol"
)

const (
	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
)

// Conn is one websocket connection. It implements collab.Peer.
type Conn struct {
	ws   *websocket.Conn
	room *collab.RoomServer
	id   string
	// 鉴权中间件给出的用户；为空时信任消息里的 userId
	authUserID string
	// chan 是 goroutine 之间通信的队列；写满时丢弃
	send    chan protocol.OutboundMessage
	done    chan struct{}
	once    sync.Once
	alive   atomic.Bool
	limiter *rate.Limiter
	metrics *metrics.Collab
	idle    time.Duration
}

func NewConn(ws *websocket.Conn, room *collab.RoomServer, authUserID string, m *metrics.Collab) *Conn {
	tun := room.Tunables()
	c := &Conn{
		ws:         ws,
		room:       room,
		id:         uuid.NewString(),
		authUserID: authUserID,
		send:       make(chan protocol.OutboundMessage, tun.SendBuffer),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(tun.InboundRate), tun.InboundBurst),
		metrics:    m,
		idle:       3 * tun.HeartbeatInterval,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Alive() bool { return c.alive.Load() }

// Enqueue never blocks. It reports false when the buffer is full or the
// connection is closing.
func (c *Conn) Enqueue(msg protocol.OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	// select 同时评估所有 case，满了走 default
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Serve runs the connection until the peer goes away or ctx is done.
func (c *Conn) Serve(ctx context.Context) {
	c.metrics.ConnOpened()
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		<-ctx.Done()
		c.close()
	}()

	c.readLoop(ctx)

	c.alive.Store(false)
	c.room.Disconnect(c)
	cancel()
	c.close()
	wg.Wait()
	c.metrics.ConnClosed()
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)
	for {
		if c.idle > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read message error (conn=%s, user=%s): %v", c.id, c.authUserID, err)
			}
			return
		}
		// 只有连接层错误才断开；帧内容解析失败回一个 error 帧继续读
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.metrics.Rejected("malformed")
			c.Enqueue(protocol.ErrorMessage{Type: protocol.TypeError, Content: "malformed message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeContentChange, protocol.TypeCursorPositionChange:
		if !c.limiter.Allow() {
			c.metrics.Rejected("rate-limited")
			c.Enqueue(protocol.ErrorMessage{Type: protocol.TypeError, Content: "rate limited"})
			return
		}
	}

	var err error
	switch msg.Type {
	case protocol.TypeJoinDocumentEdit:
		_, err = c.room.Join(ctx, c, msg.DocumentID, c.userFor(msg))
	case protocol.TypeLeaveDocumentEdit:
		err = c.room.Leave(ctx, c, msg.DocumentID, c.userFor(msg))
	case protocol.TypeContentChange:
		_, err = c.room.RelayContentChange(ctx, c, msg)
	case protocol.TypeCursorPositionChange:
		_, err = c.room.RelayCursorPosition(ctx, c, msg)
	case protocol.TypeDocumentSaved:
		_, err = c.room.RelaySave(ctx, c, msg)
	case protocol.TypePing:
		c.room.Heartbeat(ctx, c)
		c.Enqueue(protocol.Pong{Type: protocol.TypePong})
	default:
		// 忽略未知类型，回一条提示
		c.metrics.Rejected("unknown-type")
		c.Enqueue(protocol.ErrorMessage{Type: protocol.TypeError, Content: "unknown message type: " + msg.Type})
		return
	}
	if err != nil {
		log.Printf("%s (conn=%s, doc=%s): %v", msg.Type, c.id, msg.DocumentID, err)
		c.Enqueue(protocol.ErrorMessage{Type: protocol.TypeError, Content: err.Error()})
	}
}

// userFor picks the identity for join/leave frames.
func (c *Conn) userFor(msg protocol.ClientMessage) string {
	if c.authUserID == "" {
		return msg.UserID
	}
	if msg.UserID != "" && msg.UserID != c.authUserID {
		log.Printf("conn=%s claims user=%s, authenticated as %s", c.id, msg.UserID, c.authUserID)
	}
	return c.authUserID
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息，直到连接关闭
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("write error (conn=%s): %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

