package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second // Time allowed to write a message to the peer.
	defaultPongWait       = 60 * time.Second // Time allowed to read the next pong message from the peer.
	defaultMaxMessageSize = 1 << 20          // Audio clips need far more than a text line.
	closeGracePeriod      = time.Second      // Time allowed to write the close frame.
)

// WSOptions configures the websocket transport. Zero values fall back to
// the defaults above.
type WSOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o WSOptions) withDefaults() WSOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// WSTransport adapts a gorilla websocket connection to Transport. Text frames
// are text-message events, binary frames binary-message events.
type WSTransport struct {
	conn *websocket.Conn
	opts WSOptions
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSTransport(conn *websocket.Conn, opts WSOptions, log *zap.Logger) *WSTransport {
	opts = opts.withDefaults()
	t := &WSTransport{
		conn: conn,
		opts: opts,
		log:  log.With(zap.String("remote", conn.RemoteAddr().String())),
		done: make(chan struct{}),
	}

	// Heartbeat logic (Keep-Alive)
	conn.SetReadLimit(opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go t.keepalive()
	return t
}

func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Receive blocks on the socket. Cancellation happens by closing the transport.
func (t *WSTransport) Receive(ctx context.Context) (Inbound, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.log.Warn("unexpected close", zap.Error(err))
			}
			return Inbound{}, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		switch mt {
		case websocket.TextMessage:
			if !utf8.Valid(data) {
				t.log.Warn("dropping text frame with invalid utf-8")
				continue
			}
			return Inbound{Kind: KindText, Text: string(data)}, nil
		case websocket.BinaryMessage:
			return Inbound{Kind: KindAudio, Audio: data}, nil
		}
	}
}

func (t *WSTransport) Send(msg Message) error {
	var (
		frameType int
		data      []byte
		err       error
	)
	switch msg.Kind {
	case KindText:
		frameType = websocket.TextMessage
		data, err = EncodeText(msg)
	case KindAudio:
		frameType = websocket.BinaryMessage
		data, err = EncodeAudio(msg)
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	if err := t.conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Close sends a close frame, with the reason as policy violation when set,
// and tears down the socket. Only the first call has any effect. The close
// frame is skipped while a Send is blocked on the peer; closing the socket
// releases that Send.
func (t *WSTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		code := websocket.CloseNormalClosure
		if reason != "" {
			code = websocket.ClosePolicyViolation
		}

		if t.writeMu.TryLock() {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(closeGracePeriod))
			t.writeMu.Unlock()
		}

		err = t.conn.Close()
	})
	return err
}

// keepalive pings the peer so the read deadline keeps moving. WriteControl
// may run alongside WriteMessage.
func (t *WSTransport) keepalive() {
	ticker := time.NewTicker((t.opts.PongWait * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait)); err != nil {
				return
			}
		}
	}
}
