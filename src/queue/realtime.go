package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	commandsTopic        = "realtime:public:commands"
	heartbeatTopic       = "phoenix"
	heartbeatInterval    = 30 * time.Second
	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
)

// phoenixMessage is the Phoenix-channel frame Supabase realtime speaks.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type insertPayload struct {
	Type   string  `json:"type"`
	Record Command `json:"record"`
}

// Notifier subscribes to command-table INSERTs over websocket and surfaces
// new pending commands on a channel. Delivery is best effort: the poll loop
// remains the correctness backstop, so a dropped frame here only adds
// latency, never loses a command.
type Notifier struct {
	baseURL    string
	apiKey     string
	userFilter string
	commands   chan Command
}

func NewNotifier(baseURL, apiKey, userFilter string) *Notifier {
	return &Notifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userFilter: userFilter,
		commands:   make(chan Command, 16),
	}
}

// Commands is the stream of freshly inserted pending commands.
func (n *Notifier) Commands() <-chan Command { return n.commands }

// Run connects and reconnects with capped exponential backoff until ctx is
// cancelled. The backoff restarts after any successful subscription, so a
// connection that lived for hours and then dropped comes back quickly
// instead of at the cap.
func (n *Notifier) Run(ctx context.Context) {
	wait := initialReconnectWait
	for {
		subscribed, err := n.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		wait = nextReconnectWait(wait, subscribed)
		if err != nil {
			log.Printf("Realtime connection lost: %v; reconnecting in %s", err, wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func nextReconnectWait(wait time.Duration, subscribed bool) time.Duration {
	if subscribed {
		return initialReconnectWait
	}
	wait *= 2
	if wait > maxReconnectWait {
		wait = maxReconnectWait
	}
	return wait
}

// connectAndListen returns subscribed=true once the join frame was written,
// whatever ends the connection afterwards.
func (n *Notifier) connectAndListen(ctx context.Context) (bool, error) {
	endpoint, err := n.websocketURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	join := phoenixMessage{
		Topic:   commandsTopic,
		Event:   "phx_join",
		Payload: json.RawMessage(`{}`),
		Ref:     uuid.NewString(),
	}
	if err := conn.WriteJSON(join); err != nil {
		return false, fmt.Errorf("join: %w", err)
	}
	log.Printf("Realtime: subscribed to %s", commandsTopic)

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				hb := phoenixMessage{
					Topic:   heartbeatTopic,
					Event:   "heartbeat",
					Payload: json.RawMessage(`{}`),
					Ref:     uuid.NewString(),
				}
				if err := conn.WriteJSON(hb); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		cmd, ok := n.decodeInsert(data)
		if !ok {
			continue
		}
		select {
		case n.commands <- *cmd:
		default:
			// Buffer full: drop; the poll backstop will pick the row up.
			log.Printf("Realtime: dropping INSERT for %s (buffer full)", cmd.ID)
		}
	}
}

// decodeInsert extracts a pending command from a frame, filtering out
// non-INSERT events, other users, and rows already past pending.
func (n *Notifier) decodeInsert(data []byte) (*Command, bool) {
	var msg phoenixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Realtime: undecodable frame: %v", err)
		return nil, false
	}
	if msg.Topic != commandsTopic || msg.Event != "INSERT" {
		return nil, false
	}
	var payload insertPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("Realtime: undecodable INSERT payload: %v", err)
		return nil, false
	}
	cmd := payload.Record
	if cmd.ID == "" || cmd.Status != StatusPending {
		return nil, false
	}
	if n.userFilter != "" && cmd.UserID != n.userFilter {
		return nil, false
	}
	return &cmd, true
}

// websocketURL rewrites the project URL to its realtime websocket endpoint.
func (n *Notifier) websocketURL() (string, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid Supabase URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {n.apiKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}
