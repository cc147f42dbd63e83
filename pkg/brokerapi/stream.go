package brokerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ---- Trade update stream ----

const (
	StreamTradeUpdates  = "trade_updates"
	StreamAuthorization = "authorization"
	StreamListening     = "listening"

	AuthAuthorized = "authorized"

	DefaultHeartbeat = 15 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
)

// ErrUnauthorized is returned when the stream rejects the credentials.
var ErrUnauthorized = errors.New("stream: not authorized")

type StreamConfig struct {
	KeyID  string
	Secret string
	URL    string // default: StreamURL(DefaultBaseURL)
	// Heartbeat is the ping interval; the connection is considered dead after
	// three missed pongs. Default: 15s.
	Heartbeat time.Duration
	Debug     bool
}

// StreamURL derives the websocket endpoint from a trading base URL.
func StreamURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/stream"
}

// TradeStream is one authenticated trade_updates websocket session.
// Connect, then Run until it returns; a new session needs a new Connect.
type TradeStream struct {
	cfg    StreamConfig
	Dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewTradeStream(cfg StreamConfig) (*TradeStream, error) {
	if cfg.KeyID == "" || cfg.Secret == "" {
		return nil, errors.New("stream: key id and secret are required")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL(DefaultBaseURL)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &TradeStream{
		cfg:    cfg,
		Dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type listenRequest struct {
	Action string `json:"action"`
	Data   struct {
		Streams []string `json:"streams"`
	} `json:"data"`
}

// Connect dials the stream, authenticates and subscribes to trade updates.
func (s *TradeStream) Connect(ctx context.Context) error {
	conn, resp, err := s.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			log.Printf("[stream] dial failed, status: %s", resp.Status)
		}
		return fmt.Errorf("stream: dial: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	pongWait := 3 * s.cfg.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	log.Printf("[stream] connected to %s", s.cfg.URL)
	return nil
}

func (s *TradeStream) handshake(conn *websocket.Conn) error {
	if err := conn.WriteJSON(authRequest{Action: "auth", Key: s.cfg.KeyID, Secret: s.cfg.Secret}); err != nil {
		return fmt.Errorf("stream: send auth: %w", err)
	}
	msg, err := readEnvelope(conn, StreamAuthorization)
	if err != nil {
		return err
	}
	var auth AuthData
	if err := json.Unmarshal(msg.Data, &auth); err != nil {
		return fmt.Errorf("stream: decode authorization: %w", err)
	}
	if auth.Status != AuthAuthorized {
		return fmt.Errorf("%w (status %q)", ErrUnauthorized, auth.Status)
	}

	var listen listenRequest
	listen.Action = "listen"
	listen.Data.Streams = []string{StreamTradeUpdates}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("stream: send listen: %w", err)
	}
	if _, err := readEnvelope(conn, StreamListening); err != nil {
		return err
	}
	return nil
}

// readEnvelope reads frames until one on the wanted stream arrives.
func readEnvelope(conn *websocket.Conn, want string) (StreamMessage, error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return StreamMessage{}, fmt.Errorf("stream: waiting for %s: %w", want, err)
		}
		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Stream == want {
			return msg, nil
		}
	}
}

// Run delivers every trade update to fn until the connection fails or ctx is
// done. It always closes the connection before returning.
func (s *TradeStream) Run(ctx context.Context, fn func(TradeUpdate)) error {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return errors.New("stream: not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(ctx, conn, done)

	for {
		// Text and binary frames carry the same JSON.
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[stream] undecodable frame: %v", err)
			continue
		}
		if msg.Stream != StreamTradeUpdates {
			continue
		}
		var up TradeUpdate
		if err := json.Unmarshal(msg.Data, &up); err != nil {
			log.Printf("[stream] bad trade update: %v", err)
			continue
		}
		if s.cfg.Debug {
			log.Printf("[stream] %s order=%s status=%s", up.Event, up.Order.ID, up.Order.Status)
		}
		fn(up)
	}
}

// heartbeat pings until the session ends. Cancelling ctx closes the
// connection, which unblocks the reader.
func (s *TradeStream) heartbeat(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.Close()
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				log.Printf("[stream] ping write error: %v", err)
				s.Close()
				return
			}
		}
	}
}

// Close sends a close frame and drops the connection. Safe to call twice.
func (s *TradeStream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := s.conn.Close()
	s.conn = nil
	return err
}
