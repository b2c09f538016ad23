package websocket

import (
	"log/slog"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/speechbridge/pkg/errorsx"
	"github.com/harunnryd/speechbridge/pkg/frames"
	"github.com/harunnryd/speechbridge/pkg/transports"
)

// Conn is one client connection. Reads and writes each run on their own goroutine.
type Conn struct {
	id     string
	conn   *gws.Conn
	remote string
	cfg    Config
	pts    *frames.PTSGen
	logger *slog.Logger
	onDone func(id string)

	recvCh     chan frames.Frame
	sendCh     chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn(id string, conn *gws.Conn, remote string, cfg Config, pts *frames.PTSGen, logger *slog.Logger, onDone func(string)) *Conn {
	return &Conn{
		id:         id,
		conn:       conn,
		remote:     remote,
		cfg:        cfg,
		pts:        pts,
		logger:     logger.With("session_id", id),
		onDone:     onDone,
		recvCh:     make(chan frames.Frame, 64),
		sendCh:     make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Recv() <-chan frames.Frame { return c.recvCh }

// Send queues a text frame. It blocks while the send buffer is full.
func (c *Conn) Send(f frames.Frame) error {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return errorsx.Newf(errorsx.ReasonTransportSend, "websocket transport only sends text frames, got %s", f.Kind())
	}
	select {
	case <-c.done:
		return transports.ErrClosed
	default:
	}
	select {
	case c.sendCh <- []byte(tf.Text()):
		return nil
	case <-c.done:
		return transports.ErrClosed
	}
}

// Close flushes queued messages, sends a close frame and drops the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case <-c.writerDone:
		case <-time.After(c.cfg.CloseTimeout):
			c.logger.Warn("websocket_flush_timeout")
		}
		_ = c.conn.Close()
		if c.onDone != nil {
			c.onDone(c.id)
		}
	})
	return nil
}

func (c *Conn) meta() map[string]string {
	return map[string]string{frames.MetaRemoteAddr: c.remote}
}

func (c *Conn) readLoop() {
	defer close(c.recvCh)
	defer c.pts.Forget(c.id)
	reason := "closed"
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
				reason = err.Error()
				c.logger.Warn("websocket_read_failed", "error", err.Error())
			}
			break
		}
		var f frames.Frame
		switch kind {
		case gws.BinaryMessage:
			f = frames.NewAudioFrame(c.id, c.pts.Next(c.id), data, c.meta())
		case gws.TextMessage:
			f = frames.NewTextFrame(c.id, c.pts.Next(c.id), string(data), c.meta())
		default:
			continue
		}
		select {
		case c.recvCh <- f:
		case <-c.done:
			return
		}
	}
	meta := c.meta()
	meta[frames.MetaReason] = reason
	select {
	case c.recvCh <- frames.NewControlFrame(c.id, c.pts.Next(c.id), frames.ControlClose, meta):
	case <-c.done:
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				c.logger.Warn("websocket_write_failed", "error", err.Error())
				go c.Close()
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(gws.CloseMessage,
				gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *Conn) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(gws.TextMessage, msg)
}

var _ transports.Transport = (*Conn)(nil)
