/*
Package presence implements the core of the live-location chat service.

This file defines the wire protocol: a flat JSON tagged union carried in
WebSocket text frames. Inbound messages are decoded in two steps (peek the
type tag, then decode the typed payload); outbound events are built with
small constructors that fix the type tag.
*/
package presence

import "math"

// MessageType tags every inbound and outbound protocol message.
type MessageType string

// Inbound message types (client → core).
const (
	TypeLogin          MessageType = "login"
	TypeUpdateLocation MessageType = "update_location"
	TypeRequestChat    MessageType = "request_chat"
	TypeCancelRequest  MessageType = "cancel_request"
	TypeAcceptChat     MessageType = "accept_chat"
	TypeDeclineChat    MessageType = "decline_chat"
	TypeChatMsg        MessageType = "chat_msg"
	TypeEndChat        MessageType = "end_chat"
)

// Outbound message types (core → client).
const (
	TypeWorldState       MessageType = "world_state"
	TypeChatRequest      MessageType = "chat_request"
	TypeChatConnected    MessageType = "chat_connected"
	TypeChatDeclined     MessageType = "chat_declined"
	TypeRequestCancelled MessageType = "request_cancelled"
	TypeChatEnded        MessageType = "chat_ended"
)

// LoginPayload is the first message expected on a connection.
type LoginPayload struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// LocationPayload carries a position update.
type LocationPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TargetPayload names the destination of a request_chat or cancel_request.
type TargetPayload struct {
	TargetID string `json:"targetId"`
}

// RequesterPayload names the source of the request being accepted or declined.
type RequesterPayload struct {
	RequesterID string `json:"requesterId"`
}

// ChatMsgPayload carries a chat message to be relayed to the partner.
type ChatMsgPayload struct {
	Content string `json:"content"`
}

// UserView is one entry of the world-state broadcast.
type UserView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Status    Status  `json:"status"`
	PartnerID string  `json:"partnerId,omitempty"`
}

// WorldState is the full presence snapshot, broadcast to every connection.
type WorldState struct {
	Type  MessageType `json:"type"`
	Users []UserView  `json:"users"`
}

// ChatRequestEvent is sent to the target of a new pending request.
type ChatRequestEvent struct {
	Type     MessageType `json:"type"`
	FromID   string      `json:"fromId"`
	FromName string      `json:"fromName"`
}

// ChatConnectedEvent is sent to both participants of a new session.
type ChatConnectedEvent struct {
	Type        MessageType `json:"type"`
	PartnerID   string      `json:"partnerId"`
	PartnerName string      `json:"partnerName"`
}

// ChatMessageEvent is a relayed chat payload, sent to the other participant.
type ChatMessageEvent struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
	FromID  string      `json:"fromId"`
}

// ChatDeclinedEvent tells a requester their invitation was declined.
type ChatDeclinedEvent struct {
	Type MessageType `json:"type"`
}

// RequestCancelledEvent tells a target the invitation was withdrawn.
type RequestCancelledEvent struct {
	Type MessageType `json:"type"`
}

// ChatEndedEvent tells a participant their session is over. Message is a
// human-readable reason shown in the client transcript.
type ChatEndedEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

// NewWorldState builds the broadcast snapshot message.
func NewWorldState(users []UserView) WorldState {
	return WorldState{Type: TypeWorldState, Users: users}
}

// NewChatRequest builds the targeted invitation event.
func NewChatRequest(fromID, fromName string) ChatRequestEvent {
	return ChatRequestEvent{Type: TypeChatRequest, FromID: fromID, FromName: fromName}
}

// NewChatConnected builds the session-established event for one participant.
func NewChatConnected(partnerID, partnerName string) ChatConnectedEvent {
	return ChatConnectedEvent{Type: TypeChatConnected, PartnerID: partnerID, PartnerName: partnerName}
}

// NewChatMessage builds the relayed chat event.
func NewChatMessage(content, fromID string) ChatMessageEvent {
	return ChatMessageEvent{Type: TypeChatMsg, Content: content, FromID: fromID}
}

// NewChatDeclined builds the decline notification.
func NewChatDeclined() ChatDeclinedEvent {
	return ChatDeclinedEvent{Type: TypeChatDeclined}
}

// NewRequestCancelled builds the cancellation notification.
func NewRequestCancelled() RequestCancelledEvent {
	return RequestCancelledEvent{Type: TypeRequestCancelled}
}

// NewChatEnded builds the session-over notification.
func NewChatEnded(message string) ChatEndedEvent {
	return ChatEndedEvent{Type: TypeChatEnded, Message: message}
}

// ValidCoordinates reports whether lat/lon form a usable WGS84 position.
// Payloads failing this check are dropped as protocol errors.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
