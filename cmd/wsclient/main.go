// wsclient connects to a gateway, prints the identity it is given and every
// message it receives, and optionally sends messages to another connection.
// Usage: go run ./cmd/wsclient --url ws://localhost:3000/ --target 4 --payload hello
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsgate/internal/protocol"
)

func main() {
	rawURL := flag.String("url", "ws://localhost:3000/", "gateway websocket URL")
	token := flag.String("token", "", "token to resume an existing identity")
	target := flag.Int64("target", -1, "connection id to send to (negative disables sending)")
	payload := flag.String("payload", "ping from wsclient", "payload to send")
	count := flag.Int("count", 1, "number of messages to send")
	interval := flag.Duration("interval", time.Second, "delay between sends")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	u, err := url.Parse(*rawURL)
	if err != nil {
		logger.Error("invalid url", "url", *rawURL, "error", err)
		os.Exit(1)
	}
	if *token != "" {
		q := u.Query()
		q.Set("token", *token)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Error("failed to connect", "url", u.String(), "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", u.String())

	conn.SetPingHandler(func(data string) error {
		logger.Debug("heartbeat ping")
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, logger)
	}()

	if *target >= 0 {
		go sendLoop(ctx, conn, protocol.ConnID(*target), *payload, *count, *interval, logger)
	}

	logger.Info("client running - press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	case <-done:
	}

	logger.Info("client stopped")
}

func readLoop(conn *websocket.Conn, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("connection closed by gateway", "reason", err)
			} else {
				logger.Error("read failed", "error", err)
			}
			return
		}

		pkt, err := protocol.Decode(data)
		if err == nil && pkt.Channel == protocol.ChannelAuth {
			var auth protocol.AuthData
			if err := json.Unmarshal(pkt.Data, &auth); err == nil {
				fmt.Printf("[AUTH] id=%d token=%s\n", auth.ID, auth.Token)
				continue
			}
		}
		fmt.Printf("[MESSAGE] %s\n", data)
	}
}

func sendLoop(ctx context.Context, conn *websocket.Conn, target protocol.ConnID, payload string, count int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg, err := protocol.EncodeCommand(protocol.Send(target, payload))
		if err != nil {
			logger.Error("encode failed", "error", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Error("send failed", "error", err)
			return
		}
		logger.Info("sent", "target", target, "seq", i+1)
	}
}
