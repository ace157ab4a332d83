package qlc

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds the close handshake on Disconnect.
const closeGrace = time.Second

// frameBuffer is how many unread text frames a session keeps. When it is
// full the oldest frame is dropped.
const frameBuffer = 64

// errSessionClosed is reported for writes on a session whose reader has
// already stopped.
var errSessionClosed = errors.New("connection closed by peer")

// session wraps one WebSocket connection to QLC+. A reader goroutine owns
// the read side for the life of the connection so a peer close is noticed
// even when nobody is waiting for a reply. Writes are serialized so
// fire-and-forget frames can go out while a correlated call is waiting.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan string
	done   chan struct{}
	err    error // read error; valid once done is closed
}

func newSession(conn *websocket.Conn) *session {
	s := &session{
		conn:   conn,
		frames: make(chan string, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop delivers text frames until the connection fails. Binary and
// empty frames are skipped.
func (s *session) readLoop() {
	defer close(s.done)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		if msgType == websocket.TextMessage && len(data) > 0 {
			s.deliver(string(data))
		}
	}
}

func (s *session) deliver(frame string) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// closed reports whether the reader has stopped.
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// readErr is the error that stopped the reader. Call it only after done.
func (s *session) readErr() error {
	if s.err == nil {
		return errSessionClosed
	}
	return s.err
}

// discardPending drops frames that arrived before the next request went out.
func (s *session) discardPending() {
	for {
		select {
		case <-s.frames:
		default:
			return
		}
	}
}

// writeText sends one text frame, failing if it has not gone out by
// deadline or if the peer has already closed the session.
func (s *session) writeText(message string, deadline time.Time) error {
	if s.closed() {
		return &closedError{err: s.readErr()}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// close sends a close frame when it can and tears the connection down.
func (s *session) close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *session) remoteAddr() string {
	return s.conn.RemoteAddr().String()
}
