package editsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"snippetCollab/backend/internal/protocol"
)

var ErrSendBufferFull = errors.New("send buffer full")

// ClientOptions configure the websocket transport of an edit session.
type ClientOptions struct {
	// ws://host:port/collab/ws
	URL string
	// sent as "Authorization: Bearer <token>" when set
	Token  string
	Header http.Header
	Dialer *websocket.Dialer

	Heartbeat time.Duration
	// 0 表示无限重连
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	SendBuffer      int

	OnStatus func(connected bool)
}

// Client keeps one Document connected to the collaboration server,
// reconnecting with exponential backoff and rejoining after every reconnect.
type Client struct {
	opts ClientOptions
	doc  *Document

	mu     sync.Mutex
	link   *link
	closed bool
}

// link is one live websocket connection. Only writeLoop writes to conn.
type link struct {
	conn *websocket.Conn
	out  chan protocol.ClientMessage
	done chan struct{}
	once sync.Once
}

func (l *link) stop() { l.once.Do(func() { close(l.done) }) }

// NewClient builds the Document too, so that its frames go through this
// client's connection.
func NewClient(copts ClientOptions, dopts DocumentOptions, initial map[string]string) *Client {
	if copts.Dialer == nil {
		copts.Dialer = websocket.DefaultDialer
	}
	if copts.Heartbeat <= 0 {
		copts.Heartbeat = dopts.Tunables.WithDefaults().HeartbeatInterval
	}
	if copts.InitialInterval <= 0 {
		copts.InitialInterval = time.Second
	}
	if copts.MaxInterval <= 0 {
		copts.MaxInterval = 10 * time.Second
	}
	if copts.SendBuffer <= 0 {
		copts.SendBuffer = 64
	}
	c := &Client{opts: copts}
	dopts.Send = c.Send
	c.doc = NewDocument(dopts, initial)
	return c
}

func (c *Client) Document() *Document { return c.doc }

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Send enqueues one frame on the live connection. While disconnected frames
// are dropped and ErrNotConnected is returned.
func (c *Client) Send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.out <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and keeps the session connected until ctx is done, Close is
// called, or MaxAttempts consecutive attempts fail.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	attempts := 0
	for {
		connected, err := c.connectOnce(ctx)
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
			attempts = 0
		}
		attempts++
		if c.opts.MaxAttempts > 0 && attempts > c.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", c.opts.MaxAttempts, err)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Printf("doc=%s user=%s: connection lost (%v), retry in %s", c.doc.ID(), c.doc.UserID(), err, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setStatus(connected bool) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(connected)
	}
}

// connectOnce dials, joins and pumps frames until the connection drops.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	for k, vs := range c.opts.Header {
		header[k] = append([]string(nil), vs...)
	}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	l := &link{
		conn: conn,
		out:  make(chan protocol.ClientMessage, c.opts.SendBuffer),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false, ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, l)
	}()

	// 每次（重新）连接都重新加入文档
	if err := c.Send(c.doc.JoinMessage()); err != nil {
		log.Printf("doc=%s: join not sent: %v", c.doc.ID(), err)
	}
	c.setStatus(true)

	err = c.readLoop(l)

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.stop()
	wg.Wait()
	conn.Close()
	c.doc.ResetPresence()
	c.setStatus(false)
	return true, err
}

func (c *Client) readLoop(l *link) error {
	for {
		var msg protocol.ServerMessage
		if err := l.conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.doc.Handle(msg)
	}
}

func (c *Client) heartbeat(ctx context.Context, l *link) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 让 readLoop 退出
			l.conn.Close()
			return
		case <-l.done:
			return
		case <-ticker.C:
			if err := c.Send(protocol.ClientMessage{Type: protocol.TypePing}); err != nil {
				log.Printf("doc=%s: ping not sent: %v", c.doc.ID(), err)
			}
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case msg := <-l.out:
			if err := l.write(msg); err != nil {
				l.conn.Close()
				return
			}
		case <-l.done:
			// 先把已排队的帧（例如 leave）写完再关闭
			for {
				select {
				case msg := <-l.out:
					if err := l.write(msg); err != nil {
						l.conn.Close()
						return
					}
				default:
					_ = l.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"),
						time.Now().Add(time.Second))
					l.conn.Close()
					return
				}
			}
		}
	}
}

func (l *link) write(msg protocol.ClientMessage) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteJSON(msg)
}

// Close leaves the document and shuts the connection down. Run returns nil
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	err := c.doc.Leave()
	if l != nil {
		l.stop()
	}
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
