package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/pkg/buffer"
	"github.com/c360/relaybus/pkg/hexid"
)

const closeHandshakeTimeout = time.Second

// Socket is one accepted websocket connection. All writes to the
// underlying connection go through the writer pump; other goroutines only
// enqueue.
type Socket struct {
	id           string
	conn         *websocket.Conn
	out          buffer.Buffer[[]byte]
	logger       *slog.Logger
	writeTimeout time.Duration

	isAlive atomic.Bool

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeCode atomic.Int32
}

func newSocket(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) (*Socket, error) {
	out, err := buffer.NewCircularBuffer[[]byte](queueSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropNewest))
	if err != nil {
		return nil, errors.WrapFatal(err, "Socket", "newSocket", "create outbound queue")
	}

	s := &Socket{
		id:           hexid.New(),
		conn:         conn,
		out:          out,
		logger:       logger,
		writeTimeout: writeTimeout,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.isAlive.Store(true)
	return s, nil
}

// ID returns the socket's stable identifier.
func (s *Socket) ID() string {
	return s.id
}

// Enqueue queues one outbound frame. A full queue fails with a wrapped
// ErrQueueFull and does not block.
func (s *Socket) Enqueue(data []byte) error {
	if err := s.out.Write(data); err != nil {
		return err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// writePump drains the outbound queue onto the connection. It is the only
// goroutine that calls WriteMessage.
func (s *Socket) writePump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for {
				data, ok := s.out.Read()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.logger.Warn("socket write failed", "socket", s.id, "error", err)
					s.close(websocket.CloseInternalServerErr, "write failure")
					return
				}
			}
		}
	}
}

// ping sends a control ping outside the writer pump. WriteControl is safe
// to call concurrently with WriteMessage.
func (s *Socket) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// close performs the close handshake once and tears down the connection.
func (s *Socket) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeHandshakeTimeout))
		_ = s.conn.Close()
		s.out.Clear()
		_ = s.out.Close()
	})
}

// CloseCode returns the locally chosen close code, or zero when the
// socket was closed by the peer.
func (s *Socket) CloseCode() int {
	return int(s.closeCode.Load())
}
