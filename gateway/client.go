package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	// readLimit leaves headroom over the 10 MiB image cap for base64
	// expansion and framing.
	readLimit = 16 << 20
)

// Client is one accepted websocket connection. The writer goroutine
// owns the socket for writes; everything else queues through sendChan.
type Client struct {
	session *Session
	conn    *websocket.Conn
	log     *logrus.Entry

	sendChan chan *Frame
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(parent context.Context, session *Session, conn *websocket.Conn, log *logrus.Entry) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		session:  session,
		conn:     conn,
		log:      log.WithField("connection", session.ConnectionID),
		sendChan: make(chan *Frame, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context is the per-connection context, canceled on disconnect.
// Cancellation is scoped to this client only; in-flight mutation
// batches already queued run to completion.
func (c *Client) Context() context.Context {
	return c.ctx
}

// send queues a frame without blocking. A full buffer drops the frame
// and reports false.
func (c *Client) send(frame *Frame) bool {
	select {
	case c.sendChan <- frame:
		return true
	default:
		c.log.WithField("event", frame.Event).Warn("send buffer full, dropping frame")
		return false
	}
}

// close cancels the connection context and closes the socket, which
// unblocks the read loop.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// writeLoop drains the send channel onto the socket and keeps the
// connection alive with periodic pings.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendChan:
			data, err := json.Marshal(frame)
			if err != nil {
				c.log.WithError(err).WithField("event", frame.Event).Warn("frame marshal failed")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				c.close()
				return
			}
		}
	}
}

// readLoop reads frames until the connection dies and hands each to
// dispatch. Handler errors never kill the loop.
func (c *Client) readLoop(dispatch func(*Client, *Frame)) {
	defer c.wg.Done()
	c.conn.SetReadLimit(readLimit)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close()
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.send(ErrorFrame(err))
			continue
		}
		dispatch(c, frame)
	}
}
