package session

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind identifies a transport frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Close codes used by the session.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Frame is one transport frame. Code is only meaningful for FrameClose.
type Frame struct {
	Kind FrameKind
	Data []byte
	Code int
}

// Transport is a bidirectional frame stream.
//
// ReadFrame is called from a single goroutine. WriteFrame is serialised by
// the session. Close may be called at any time and unblocks ReadFrame.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error

	// SetLivenessHandler registers fn to be called for control frames the
	// transport answers itself and never returns from ReadFrame.
	SetLivenessHandler(fn func())

	Close() error
}

// websocketTransport adapts a gorilla connection. Pings are answered and
// pongs consumed inside gorilla's read path, so both are reported through
// the liveness handler.
type websocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &websocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (t *websocketTransport) ReadFrame() (Frame, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		// gorilla reports a dropped connection as an abnormal closure.
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
			return Frame{Kind: FrameClose, Code: ce.Code, Data: []byte(ce.Text)}, nil
		}
		return Frame{}, err
	}

	if mt == websocket.BinaryMessage {
		return Frame{Kind: FrameBinary, Data: data}, nil
	}
	return Frame{Kind: FrameText, Data: data}, nil
}

func (t *websocketTransport) WriteFrame(f Frame) error {
	deadline := time.Now().Add(t.writeTimeout)

	switch f.Kind {
	case FrameText:
		t.conn.SetWriteDeadline(deadline)
		return t.conn.WriteMessage(websocket.TextMessage, f.Data)
	case FrameBinary:
		t.conn.SetWriteDeadline(deadline)
		return t.conn.WriteMessage(websocket.BinaryMessage, f.Data)
	case FramePing:
		return t.conn.WriteControl(websocket.PingMessage, f.Data, deadline)
	case FramePong:
		return t.conn.WriteControl(websocket.PongMessage, f.Data, deadline)
	case FrameClose:
		code := f.Code
		if code == 0 {
			code = CloseNormal
		}
		return t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, string(f.Data)), deadline)
	default:
		return errors.New("unsupported frame kind " + f.Kind.String())
	}
}

func (t *websocketTransport) SetLivenessHandler(fn func()) {
	t.conn.SetPingHandler(func(data string) error {
		fn()
		err := t.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
