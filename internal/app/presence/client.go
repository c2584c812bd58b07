/*
Package presence implements the core of the live-location chat service.

This file defines the Client struct, one per WebSocket connection. It runs
the read and write pumps, decodes inbound protocol messages, and submits
the resulting commands to the Hub. The Client never mutates shared state
itself: every effect goes through the Hub's command queue.
*/
package presence

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"geochat/internal/pkg/logx"
)

const (
	// timeout for writing a frame to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time the server waits for a Pong from the client.
	pongWait = 60 * time.Second

	// frequency of server Ping frames. Must be below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of an inbound frame.
	maxMessageSize = 4096

	// MaxContentBytes caps chat message content; oversize payloads are
	// dropped as protocol errors.
	MaxContentBytes = 2000

	// MaxNameBytes caps the display name supplied at login.
	MaxNameBytes = 64

	// sendQueueSize bounds the per-connection outbound buffer. A reader
	// that falls this far behind is dropped rather than allowed to stall
	// the negotiation loop.
	sendQueueSize = 256

	// CloseCodeReplaced is the custom WebSocket close code (4000-4999
	// range) signalling that a newer connection took over this user id.
	CloseCodeReplaced = 4001
)

// Client represents one active WebSocket connection and its user id.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// id is the canonical user id for the lifetime of this connection.
	id string

	// send queues outbound frames for the write pump.
	send chan []byte

	closeOnce sync.Once

	logger zerolog.Logger
}

// NewClient constructs a Client bound to hub with the given connection and
// user id. The caller starts WritePump and ReadPump after registering it.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		id:     id,
		send:   make(chan []byte, sendQueueSize),
		logger: logx.Logger().With().Str("user_id", id).Logger(),
	}
}

// ID returns the user id bound to this connection.
func (c *Client) ID() string {
	return c.id
}

// ReadPump reads frames from the connection until it dies, decoding each
// into a command for the Hub. On exit it funnels the disconnect through
// the Hub's command queue like any other state change.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.submit(unregisterCmd{client: c})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection closed unexpectedly")
			}
			break
		}

		c.handleInbound(raw)
	}
}

// handleInbound decodes one inbound frame and submits the matching
// command. Malformed payloads are dropped; the connection stays open.
func (c *Client) handleInbound(raw []byte) {
	var envelope struct {
		Type MessageType `json:"type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		return
	}

	switch envelope.Type {
	case TypeLogin:
		var p LoginPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Client sent invalid login payload")
			return
		}
		if !ValidCoordinates(p.Lat, p.Lon) {
			c.logger.Warn().Float64("lat", p.Lat).Float64("lon", p.Lon).Msg("Client sent out-of-range coordinates")
			return
		}
		name := truncateName(strings.TrimSpace(p.Name))
		c.hub.submit(loginCmd{client: c, name: name, lat: p.Lat, lon: p.Lon})

	case TypeUpdateLocation:
		var p LocationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Client sent invalid location payload")
			return
		}
		if !ValidCoordinates(p.Lat, p.Lon) {
			c.logger.Warn().Float64("lat", p.Lat).Float64("lon", p.Lon).Msg("Client sent out-of-range coordinates")
			return
		}
		c.hub.submit(locationCmd{client: c, lat: p.Lat, lon: p.Lon})

	case TypeRequestChat:
		var p TargetPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" {
			c.logger.Warn().Msg("Client sent invalid request_chat payload")
			return
		}
		c.hub.submit(requestChatCmd{client: c, targetID: p.TargetID})

	case TypeCancelRequest:
		var p TargetPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.TargetID == "" {
			c.logger.Warn().Msg("Client sent invalid cancel_request payload")
			return
		}
		c.hub.submit(cancelRequestCmd{client: c, targetID: p.TargetID})

	case TypeAcceptChat:
		var p RequesterPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RequesterID == "" {
			c.logger.Warn().Msg("Client sent invalid accept_chat payload")
			return
		}
		c.hub.submit(acceptChatCmd{client: c, requesterID: p.RequesterID})

	case TypeDeclineChat:
		var p RequesterPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RequesterID == "" {
			c.logger.Warn().Msg("Client sent invalid decline_chat payload")
			return
		}
		c.hub.submit(declineChatCmd{client: c, requesterID: p.RequesterID})

	case TypeChatMsg:
		var p ChatMsgPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Client sent invalid chat_msg payload")
			return
		}
		if p.Content == "" || len(p.Content) > MaxContentBytes {
			c.logger.Warn().Int("content_len", len(p.Content)).Msg("Client sent empty or oversize chat content")
			return
		}
		c.hub.submit(chatMsgCmd{client: c, content: p.Content})

	case TypeEndChat:
		c.hub.submit(endChatCmd{client: c})

	default:
		c.logger.Warn().Str("msg_type", string(envelope.Type)).Msg("Client sent unsupported message type")
	}
}

// truncateName caps a display name at MaxNameBytes without splitting a
// multi-byte rune, so broadcast names stay valid UTF-8.
func truncateName(name string) string {
	if len(name) <= MaxNameBytes {
		return name
	}

	cut := MaxNameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// WritePump drains the send queue to the connection and keeps the
// heartbeat going. It exits when the queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}

			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Info().Err(err).Msg("Error writing message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info().Err(err).Msg("Error writing ping")
				return
			}
		}
	}
}

// enqueue pushes an outbound frame without blocking. It reports false
// when the queue is full, which the Hub treats as a dead reader.
func (c *Client) enqueue(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue exactly once, releasing the write pump.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// kick sends a close frame with CloseCodeReplaced so the old client can
// tell a takeover apart from a network failure.
func (c *Client) kick(reason string) {
	c.logger.Warn().Int("close_code", CloseCodeReplaced).Str("reason", reason).Msg("Replacing connection")

	if c.conn != nil {
		closeMessage := websocket.FormatCloseMessage(CloseCodeReplaced, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to send replacement close frame")
		}
	}

	c.closeSend()
}
