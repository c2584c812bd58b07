/*
Package presence implements the core of the live-location chat service.

This file defines the Hub, the single coordinating goroutine. It owns the
connection registry, the presence store, and the pairing tables, and it
applies every command in arrival order, so precondition checks always see
the current authoritative state. Outbound delivery is a non-blocking push
into each connection's bounded queue; a full queue marks the reader dead.
*/
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geochat/internal/app/geo"
	"geochat/internal/pkg/errs"
	"geochat/internal/pkg/logx"
	"geochat/internal/pkg/randx"
)

const commandQueueSize = 512

// ErrHubStopped is returned by queries issued after shutdown.
var ErrHubStopped = errors.New("presence hub stopped")

// Hub is the central coordinating loop. All fields below are touched only
// from the Run goroutine; connections talk to it through the command queue.
type Hub struct {
	// clients is the connection registry, keyed by user id.
	clients map[string]*Client

	store   *Store
	pairing *pairing

	commands chan command

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger zerolog.Logger
}

// NewHub constructs a Hub. The caller starts the loop with go hub.Run().
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		store:    NewStore(),
		pairing:  newPairing(),
		commands: make(chan command, commandQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logx.Logger().With().Str("component", "hub").Logger(),
	}
}

// command is one serialized state mutation or query.
type command interface {
	apply(h *Hub)
}

// Run processes commands until Shutdown. Every mutation of the registry,
// store, and pairing tables happens inside this loop.
func (h *Hub) Run() {
	defer close(h.done)

	h.logger.Info().Msg("Hub loop started")

	for {
		select {
		case cmd := <-h.commands:
			cmd.apply(h)
		case <-h.stop:
			h.closeAll()
			h.logger.Info().Msg("Hub loop stopped")
			return
		}
	}
}

// Shutdown stops the loop and closes every connection's send queue. It
// returns once the loop has exited.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

// Register submits a new connection to the registry.
func (h *Hub) Register(c *Client) {
	h.submit(registerCmd{client: c})
}

// submit queues a command for the loop. After shutdown the command is
// discarded; the caller's connection is being torn down anyway.
func (h *Hub) submit(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.stop:
	}
}

func (h *Hub) closeAll() {
	for id, c := range h.clients {
		delete(h.clients, id)
		c.closeSend()
	}
}

// ---- registry ----

type registerCmd struct {
	client *Client
}

func (cmd registerCmd) apply(h *Hub) {
	c := cmd.client

	if existing, ok := h.clients[c.id]; ok {
		if existing == c {
			// idempotent re-registration
			return
		}
		// Same id on a new socket: the newest connection wins and the
		// user's negotiation state carries over untouched.
		existing.kick(errs.NewError(errs.ErrSessionKicked).Message)
	}

	h.clients[c.id] = c
	h.logger.Info().Str("user_id", c.id).Int("connections", len(h.clients)).Msg("Connection registered")
}

type unregisterCmd struct {
	client *Client
}

func (cmd unregisterCmd) apply(h *Hub) {
	c := cmd.client

	current, ok := h.clients[c.id]
	if !ok || current != c {
		// stale disconnect from a connection that was already replaced
		c.closeSend()
		return
	}

	delete(h.clients, c.id)

	_, loggedIn := h.store.Get(c.id)
	h.store.Remove(c.id)

	td := h.pairing.Drop(c.id)
	switch {
	case td.Partner != "":
		h.notify(td.Partner, NewChatEnded("Partner disconnected"))
	case td.RequestTarget != "":
		h.notify(td.RequestTarget, NewRequestCancelled())
	case td.Requester != "":
		h.notify(td.Requester, NewChatDeclined())
	}

	c.closeSend()

	h.logger.Info().Str("user_id", c.id).Int("connections", len(h.clients)).Msg("Connection unregistered")

	if loggedIn {
		h.broadcastWorldState()
	}
}

// ---- presence ----

type loginCmd struct {
	client *Client
	name   string
	lat    float64
	lon    float64
}

func (cmd loginCmd) apply(h *Hub) {
	c := cmd.client

	if current, ok := h.clients[c.id]; !ok || current != c {
		// login raced a replacement or disconnect
		return
	}

	name := cmd.name
	if name == "" {
		generated, err := randx.Nickname()
		if err != nil {
			generated = "Guest"
		}
		name = generated
	}

	h.store.Upsert(c.id, name, cmd.lat, cmd.lon)
	h.logger.Info().Str("user_id", c.id).Str("name", name).Msg("User logged in")
	h.broadcastWorldState()
}

type locationCmd struct {
	client *Client
	lat    float64
	lon    float64
}

func (cmd locationCmd) apply(h *Hub) {
	if !h.store.SetLocation(cmd.client.id, cmd.lat, cmd.lon) {
		// location update before login
		return
	}
	h.broadcastWorldState()
}

// ---- negotiation ----

type requestChatCmd struct {
	client   *Client
	targetID string
}

func (cmd requestChatCmd) apply(h *Hub) {
	from := cmd.client.id

	fromUser, ok := h.store.Get(from)
	if !ok {
		return
	}
	if _, ok := h.clients[cmd.targetID]; !ok {
		// unknown or already-gone target, benign race
		return
	}
	if _, ok := h.store.Get(cmd.targetID); !ok {
		return
	}

	if !h.pairing.Request(from, cmd.targetID) {
		// target no longer idle, or requester already engaged
		return
	}

	h.notify(cmd.targetID, NewChatRequest(from, fromUser.Name))
	h.broadcastWorldState()
}

type cancelRequestCmd struct {
	client   *Client
	targetID string
}

func (cmd cancelRequestCmd) apply(h *Hub) {
	if !h.pairing.Cancel(cmd.client.id, cmd.targetID) {
		return
	}
	h.notify(cmd.targetID, NewRequestCancelled())
	h.broadcastWorldState()
}

type acceptChatCmd struct {
	client      *Client
	requesterID string
}

func (cmd acceptChatCmd) apply(h *Hub) {
	to := cmd.client.id

	if !h.pairing.Accept(cmd.requesterID, to) {
		// no such pending request
		return
	}

	requester, _ := h.store.Get(cmd.requesterID)
	acceptor, _ := h.store.Get(to)

	h.notify(cmd.requesterID, NewChatConnected(to, acceptor.Name))
	h.notify(to, NewChatConnected(cmd.requesterID, requester.Name))
	h.broadcastWorldState()
}

type declineChatCmd struct {
	client      *Client
	requesterID string
}

func (cmd declineChatCmd) apply(h *Hub) {
	if !h.pairing.Decline(cmd.requesterID, cmd.client.id) {
		return
	}
	h.notify(cmd.requesterID, NewChatDeclined())
	h.broadcastWorldState()
}

type chatMsgCmd struct {
	client  *Client
	content string
}

func (cmd chatMsgCmd) apply(h *Hub) {
	// session membership is re-validated per message; the client's own
	// view of "chatting" is never trusted
	partner, ok := h.pairing.Partner(cmd.client.id)
	if !ok {
		return
	}
	h.notify(partner, NewChatMessage(cmd.content, cmd.client.id))
}

type endChatCmd struct {
	client *Client
}

func (cmd endChatCmd) apply(h *Hub) {
	user := cmd.client.id

	partner, ok := h.pairing.End(user)
	if !ok {
		return
	}

	ender, _ := h.store.Get(user)
	h.notify(partner, NewChatEnded(ender.Name+" left the chat"))
	// echo to the initiator so its client resets local chat state
	h.notify(user, NewChatEnded("Chat ended"))
	h.broadcastWorldState()
}

// ---- dispatch ----

// notify sends one targeted event to a connection if it is still live.
// A missing connection means the peer already left, which is benign.
func (h *Hub) notify(userID string, event any) {
	c, ok := h.clients[userID]
	if !ok {
		return
	}
	h.push(c, event)
}

// push marshals and enqueues an event without blocking. Overflow queues
// the connection for teardown instead of stalling the loop.
func (h *Hub) push(c *Client, event any) {
	raw, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal outbound event")
		return
	}

	if !c.enqueue(raw) {
		h.logger.Warn().Str("user_id", c.id).Msg("Send queue full, dropping connection")
		h.dropSlow(c)
	}
}

// dropSlow schedules teardown of a dead reader without blocking the loop.
func (h *Hub) dropSlow(c *Client) {
	select {
	case h.commands <- unregisterCmd{client: c}:
	default:
		h.logger.Warn().Str("user_id", c.id).Msg("Command queue full, deferring slow-reader teardown")
	}
}

// broadcastWorldState pushes the full presence snapshot to every live
// connection. Called after any presence or status change.
func (h *Hub) broadcastWorldState() {
	raw, err := json.Marshal(NewWorldState(h.worldViews()))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal world state")
		return
	}

	for _, c := range h.clients {
		if !c.enqueue(raw) {
			h.logger.Warn().Str("user_id", c.id).Msg("Send queue full during broadcast, dropping connection")
			h.dropSlow(c)
		}
	}
}

// worldViews composes the snapshot: presence records joined with status
// and partner derived from the pairing tables.
func (h *Hub) worldViews() []UserView {
	users := h.store.All()
	views := make([]UserView, 0, len(users))

	for _, u := range users {
		view := UserView{
			ID:     u.ID,
			Name:   u.Name,
			Lat:    u.Lat,
			Lon:    u.Lon,
			Status: h.pairing.Status(u.ID),
		}
		if partner, ok := h.pairing.Partner(u.ID); ok {
			view.PartnerID = partner
		}
		views = append(views, view)
	}

	return views
}

// ---- queries ----

// Stats is the operator snapshot served by the HTTP API.
type Stats struct {
	Connections          int            `json:"connections"`
	Users                int            `json:"users"`
	Idle                 int            `json:"idle"`
	Requesting           int            `json:"requesting"`
	Chatting             int            `json:"chatting"`
	Sessions             int            `json:"sessions"`
	PendingRequests      int            `json:"pendingRequests"`
	OldestPendingSeconds float64        `json:"oldestPendingSeconds,omitempty"`
	Cells                map[string]int `json:"cells,omitempty"`
}

type statsCmd struct {
	reply chan Stats
}

func (cmd statsCmd) apply(h *Hub) {
	s := Stats{
		Connections:     len(h.clients),
		Users:           h.store.Len(),
		Sessions:        h.pairing.SessionCount(),
		PendingRequests: h.pairing.PendingCount(),
		Cells:           make(map[string]int),
	}

	for _, u := range h.store.All() {
		switch h.pairing.Status(u.ID) {
		case StatusIdle:
			s.Idle++
		case StatusRequesting:
			s.Requesting++
		case StatusChatting:
			s.Chatting++
		}
		s.Cells[geo.Cell(u.Lat, u.Lon)]++
	}

	if age, ok := h.pairing.OldestPending(time.Now()); ok {
		s.OldestPendingSeconds = age.Seconds()
	}

	cmd.reply <- s
}

// Stats takes a consistent snapshot through the command queue, so it
// observes the same total order as every mutation.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)

	select {
	case <-h.stop:
		return Stats{}, ErrHubStopped
	default:
	}

	select {
	case h.commands <- statsCmd{reply: reply}:
	case <-h.stop:
		return Stats{}, ErrHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
