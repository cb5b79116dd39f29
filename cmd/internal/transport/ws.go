package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"connex/cmd/internal/ids"
	v1 "connex/shared/contracts/chat/v1"
)

// wsConn adapts coder/websocket to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected message type %v", mt)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// websocketDialer dials cfg.URL, then performs the hello/hello_ack exchange
// before handing the connection over. The ctx carries the handshake deadline.
func websocketDialer(ctx context.Context, cfg Config) (Conn, error) {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	c, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c.SetReadLimit(maxFrameBytes)

	conn := &wsConn{c: c}
	if err := helloExchange(ctx, conn, cfg.Token); err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return conn, nil
}

// helloExchange sends hello and waits for hello_ack. Anything else, including
// an error frame, fails the handshake.
func helloExchange(ctx context.Context, conn Conn, token string) error {
	payload, err := json.Marshal(v1.HelloPayload{Token: token})
	if err != nil {
		return err
	}
	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      ids.MustULID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: payload,
	}

	data, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("hello send: %w", err)
	}

	raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("hello_ack read: %w", err)
	}

	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("hello_ack decode: %w", err)
	}

	switch env.Type {
	case v1.TypeHelloAck:
		return nil
	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		return fmt.Errorf("handshake rejected: %s (%s)", ep.Message, ep.Code)
	default:
		return fmt.Errorf("handshake: unexpected frame type %q", env.Type)
	}
}
