package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// drainCommands applies every queued command in order, standing in for
// the Run loop so tests stay deterministic.
func drainCommands(h *Hub) {
	for {
		select {
		case cmd := <-h.commands:
			cmd.apply(h)
		default:
			return
		}
	}
}

func connect(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := NewClient(h, nil, id)
	if c.ID() != id {
		t.Fatalf("expected client bound to id %q, got %q", id, c.ID())
	}
	h.Register(c)
	drainCommands(h)
	return c
}

// step feeds one raw frame through the client's inbound path and applies
// the resulting commands.
func step(t *testing.T, c *Client, raw string) {
	t.Helper()
	c.handleInbound([]byte(raw))
	drainCommands(c.hub)
}

func login(t *testing.T, c *Client, name string, lat, lon float64) {
	t.Helper()
	step(t, c, fmt.Sprintf(`{"type":"login","name":%q,"lat":%v,"lon":%v}`, name, lat, lon))
}

// recvEvents drains and decodes everything queued for c.
func recvEvents(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return events
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("outbound frame is not valid JSON: %v", err)
			}
			events = append(events, m)
		default:
			return events
		}
	}
}

func eventsOfType(events []map[string]any, typ MessageType) []map[string]any {
	var matched []map[string]any
	for _, e := range events {
		if e["type"] == string(typ) {
			matched = append(matched, e)
		}
	}
	return matched
}

// lastWorldUser returns the entry for id in the last world_state among events.
func lastWorldUser(t *testing.T, events []map[string]any, id string) map[string]any {
	t.Helper()
	states := eventsOfType(events, TypeWorldState)
	if len(states) == 0 {
		t.Fatalf("expected at least one world_state event")
	}
	users, ok := states[len(states)-1]["users"].([]any)
	if !ok {
		t.Fatalf("world_state has no users array")
	}
	for _, u := range users {
		entry := u.(map[string]any)
		if entry["id"] == id {
			return entry
		}
	}
	t.Fatalf("world_state has no entry for user %q", id)
	return nil
}

func TestEndToEndScenario(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 10.001, 10.001)

	recvEvents(t, a)
	recvEvents(t, b)

	// request
	step(t, a, `{"type":"request_chat","targetId":"B"}`)

	bEvents := recvEvents(t, b)
	requests := eventsOfType(bEvents, TypeChatRequest)
	if len(requests) != 1 {
		t.Fatalf("expected exactly one chat_request at B, got %d", len(requests))
	}
	if requests[0]["fromId"] != "A" || requests[0]["fromName"] != "Alice" {
		t.Fatalf("unexpected chat_request payload: %+v", requests[0])
	}
	if got := lastWorldUser(t, bEvents, "A")["status"]; got != string(StatusRequesting) {
		t.Fatalf("expected A requesting in world_state, got %v", got)
	}
	if got := lastWorldUser(t, recvEvents(t, a), "B")["status"]; got != string(StatusRequesting) {
		t.Fatalf("expected B requesting in world_state, got %v", got)
	}

	// accept
	step(t, b, `{"type":"accept_chat","requesterId":"A"}`)

	aEvents := recvEvents(t, a)
	connected := eventsOfType(aEvents, TypeChatConnected)
	if len(connected) != 1 || connected[0]["partnerId"] != "B" || connected[0]["partnerName"] != "Bob" {
		t.Fatalf("unexpected chat_connected at A: %+v", connected)
	}
	bEvents = recvEvents(t, b)
	connected = eventsOfType(bEvents, TypeChatConnected)
	if len(connected) != 1 || connected[0]["partnerId"] != "A" {
		t.Fatalf("unexpected chat_connected at B: %+v", connected)
	}
	aEntry := lastWorldUser(t, bEvents, "A")
	if aEntry["status"] != string(StatusChatting) || aEntry["partnerId"] != "B" {
		t.Fatalf("expected A chatting with B in world_state, got %+v", aEntry)
	}

	// relay
	step(t, a, `{"type":"chat_msg","content":"hi"}`)

	bEvents = recvEvents(t, b)
	msgs := eventsOfType(bEvents, TypeChatMsg)
	if len(msgs) != 1 || msgs[0]["content"] != "hi" || msgs[0]["fromId"] != "A" {
		t.Fatalf("unexpected relayed message at B: %+v", msgs)
	}
	if extra := recvEvents(t, a); len(extra) != 0 {
		t.Fatalf("expected no echo of chat_msg at sender, got %+v", extra)
	}

	// end
	step(t, a, `{"type":"end_chat"}`)

	bEvents = recvEvents(t, b)
	if len(eventsOfType(bEvents, TypeChatEnded)) != 1 {
		t.Fatalf("expected chat_ended at B")
	}
	if got := lastWorldUser(t, bEvents, "A")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected A idle after end_chat, got %v", got)
	}
	if got := lastWorldUser(t, bEvents, "B")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected B idle after end_chat, got %v", got)
	}
	aEvents = recvEvents(t, a)
	if len(eventsOfType(aEvents, TypeChatEnded)) != 1 {
		t.Fatalf("expected chat_ended echo at the initiator")
	}
}

func TestDisconnectCleanup(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	c := connect(t, h, "C")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)
	login(t, c, "Cleo", 12, 12)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	step(t, b, `{"type":"accept_chat","requesterId":"A"}`)
	recvEvents(t, b)
	recvEvents(t, c)

	h.submit(unregisterCmd{client: a})
	drainCommands(h)

	bEvents := recvEvents(t, b)
	ended := eventsOfType(bEvents, TypeChatEnded)
	if len(ended) != 1 || ended[0]["message"] != "Partner disconnected" {
		t.Fatalf("expected chat_ended with disconnect message at B, got %+v", ended)
	}
	if got := lastWorldUser(t, bEvents, "B")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected B idle after partner disconnect, got %v", got)
	}

	// a must be gone from the broadcast entirely
	states := eventsOfType(bEvents, TypeWorldState)
	users := states[len(states)-1]["users"].([]any)
	for _, u := range users {
		if u.(map[string]any)["id"] == "A" {
			t.Fatalf("expected A removed from world_state after disconnect")
		}
	}

	// and B is free to pair again
	step(t, b, `{"type":"request_chat","targetId":"C"}`)
	if len(eventsOfType(recvEvents(t, c), TypeChatRequest)) != 1 {
		t.Fatalf("expected B's follow-up request to reach C")
	}
}

func TestRequesterDisconnectCancelsRequest(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	recvEvents(t, b)

	h.submit(unregisterCmd{client: a})
	drainCommands(h)

	bEvents := recvEvents(t, b)
	if len(eventsOfType(bEvents, TypeRequestCancelled)) != 1 {
		t.Fatalf("expected request_cancelled at target after requester disconnect")
	}
	if got := lastWorldUser(t, bEvents, "B")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected target idle after requester disconnect, got %v", got)
	}
}

func TestTargetDisconnectDeclinesRequest(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	recvEvents(t, a)

	h.submit(unregisterCmd{client: b})
	drainCommands(h)

	aEvents := recvEvents(t, a)
	if len(eventsOfType(aEvents, TypeChatDeclined)) != 1 {
		t.Fatalf("expected chat_declined at requester after target disconnect")
	}
}

func TestSimultaneousRequestsOneWinner(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	c := connect(t, h, "C")
	d := connect(t, h, "D")
	login(t, a, "Alice", 10, 10)
	login(t, c, "Cleo", 11, 11)
	login(t, d, "Dave", 12, 12)
	recvEvents(t, a)

	// both target A; serialized processing makes the second a no-op
	step(t, c, `{"type":"request_chat","targetId":"A"}`)
	step(t, d, `{"type":"request_chat","targetId":"A"}`)

	aEvents := recvEvents(t, a)
	requests := eventsOfType(aEvents, TypeChatRequest)
	if len(requests) != 1 {
		t.Fatalf("expected exactly one chat_request at A, got %d", len(requests))
	}
	if requests[0]["fromId"] != "C" {
		t.Fatalf("expected the first request to win, got %+v", requests[0])
	}
	if got := lastWorldUser(t, aEvents, "D")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected losing requester to stay idle, got %v", got)
	}
}

func TestDeclineFlow(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)
	recvEvents(t, a)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	recvEvents(t, a)
	step(t, b, `{"type":"decline_chat","requesterId":"A"}`)

	aEvents := recvEvents(t, a)
	if len(eventsOfType(aEvents, TypeChatDeclined)) != 1 {
		t.Fatalf("expected chat_declined at requester")
	}
	if got := lastWorldUser(t, aEvents, "A")["status"]; got != string(StatusIdle) {
		t.Fatalf("expected requester idle after decline, got %v", got)
	}
}

func TestCancelRequestIdempotent(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)
	recvEvents(t, b)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	step(t, a, `{"type":"cancel_request","targetId":"B"}`)
	step(t, a, `{"type":"cancel_request","targetId":"B"}`)

	bEvents := recvEvents(t, b)
	if got := len(eventsOfType(bEvents, TypeRequestCancelled)); got != 1 {
		t.Fatalf("expected exactly one request_cancelled at target, got %d", got)
	}
}

func TestCommandsBeforeLoginNoOp(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, b, "Bob", 11, 11)
	recvEvents(t, b)

	// A never logged in; nothing may change
	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	step(t, a, `{"type":"update_location","lat":1,"lon":1}`)
	step(t, a, `{"type":"chat_msg","content":"hi"}`)
	step(t, a, `{"type":"end_chat"}`)

	if events := recvEvents(t, b); len(events) != 0 {
		t.Fatalf("expected no events at B from a pre-login peer, got %+v", events)
	}
}

func TestSelfRequestRejected(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	login(t, a, "Alice", 10, 10)
	recvEvents(t, a)

	step(t, a, `{"type":"request_chat","targetId":"A"}`)

	if events := recvEvents(t, a); len(events) != 0 {
		t.Fatalf("expected no events after self-request, got %+v", events)
	}
	if got := h.pairing.Status("A"); got != StatusIdle {
		t.Fatalf("expected A to stay idle after self-request, got %s", got)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	login(t, a, "Alice", 10, 10)
	recvEvents(t, a)

	for _, raw := range []string{
		`{bad json`,
		`{"type":"teleport"}`,
		`{"type":"request_chat","targetId":""}`,
		`{"type":"login","name":"x","lat":999,"lon":0}`,
		`{"type":"update_location","lat":"not a number","lon":0}`,
		`{"type":"chat_msg","content":""}`,
	} {
		a.handleInbound([]byte(raw))
	}

	if n := len(h.commands); n != 0 {
		t.Fatalf("expected malformed frames to produce no commands, got %d", n)
	}
	if _, ok := h.store.Get("A"); !ok {
		t.Fatalf("expected A's presence to survive malformed input")
	}
}

func TestDuplicateConnectionReplaced(t *testing.T) {
	h := NewHub()

	a1 := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a1, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)

	step(t, a1, `{"type":"request_chat","targetId":"B"}`)
	step(t, b, `{"type":"accept_chat","requesterId":"A"}`)

	a2 := connect(t, h, "A")

	if h.clients["A"] != a2 {
		t.Fatalf("expected the newest connection to hold the id")
	}
	recvEvents(t, a1)
	select {
	case _, ok := <-a1.send:
		if ok {
			t.Fatalf("expected old connection's send queue to be closed")
		}
	default:
		t.Fatalf("expected old connection's send queue to be closed")
	}
	if partner, ok := h.pairing.Partner("A"); !ok || partner != "B" {
		t.Fatalf("expected the session to survive connection replacement")
	}

	// the old socket's deferred unregister must not tear down the new one
	h.submit(unregisterCmd{client: a1})
	drainCommands(h)
	if h.clients["A"] != a2 {
		t.Fatalf("expected stale unregister to be ignored")
	}
}

func TestSlowReaderDropped(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	login(t, a, "Alice", 10, 10)
	login(t, b, "Bob", 11, 11)
	recvEvents(t, b)

	// B stops reading: fill its queue to the brim
	for i := 0; i < sendQueueSize; i++ {
		if !b.enqueue([]byte(`{}`)) {
			t.Fatalf("queue filled early at %d", i)
		}
	}

	step(t, a, `{"type":"update_location","lat":10.5,"lon":10.5}`)
	drainCommands(h)

	if _, ok := h.clients["B"]; ok {
		t.Fatalf("expected slow reader to be unregistered")
	}
	if _, ok := h.store.Get("B"); ok {
		t.Fatalf("expected slow reader's presence to be removed")
	}
}

func TestLoginWithoutNameGetsNickname(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	step(t, a, `{"type":"login","name":"   ","lat":10,"lon":10}`)

	u, ok := h.store.Get("A")
	if !ok {
		t.Fatalf("expected A to be logged in")
	}
	if u.Name == "" {
		t.Fatalf("expected a generated nickname for a blank name")
	}
}

func TestTruncateName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"short ascii", "Alice", "Alice"},
		{"exact limit", strings.Repeat("a", MaxNameBytes), strings.Repeat("a", MaxNameBytes)},
		{"over limit ascii", strings.Repeat("a", MaxNameBytes+10), strings.Repeat("a", MaxNameBytes)},
		// 30 three-byte runes = 90 bytes; 64 falls mid-rune, so the
		// cut walks back to the previous boundary at 63
		{"multi-byte boundary", strings.Repeat("日", 30), strings.Repeat("日", 21)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncateName(tc.in)
			if got != tc.want {
				t.Fatalf("truncateName produced %q (len %d), want %q (len %d)", got, len(got), tc.want, len(tc.want))
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncateName produced invalid UTF-8: %q", got)
			}
		})
	}
}

func TestLoginNameTruncatedOnRuneBoundary(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	step(t, a, fmt.Sprintf(`{"type":"login","name":%q,"lat":10,"lon":10}`, strings.Repeat("日", 30)))

	u, ok := h.store.Get("A")
	if !ok {
		t.Fatalf("expected A to be logged in")
	}
	if len(u.Name) > MaxNameBytes {
		t.Fatalf("expected stored name within %d bytes, got %d", MaxNameBytes, len(u.Name))
	}
	if !utf8.ValidString(u.Name) {
		t.Fatalf("expected stored name to be valid UTF-8, got %q", u.Name)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := NewHub()

	a := connect(t, h, "A")
	b := connect(t, h, "B")
	c := connect(t, h, "C")
	login(t, a, "Alice", 51.5074, -0.1278)
	login(t, b, "Bob", 51.5074, -0.1278)
	login(t, c, "Cleo", 48.8566, 2.3522)

	step(t, a, `{"type":"request_chat","targetId":"B"}`)
	step(t, b, `{"type":"accept_chat","requesterId":"A"}`)

	reply := make(chan Stats, 1)
	statsCmd{reply: reply}.apply(h)
	s := <-reply

	if s.Users != 3 || s.Connections != 3 {
		t.Fatalf("expected 3 users/connections, got %d/%d", s.Users, s.Connections)
	}
	if s.Chatting != 2 || s.Idle != 1 || s.Requesting != 0 {
		t.Fatalf("unexpected status counts: %+v", s)
	}
	if s.Sessions != 1 || s.PendingRequests != 0 {
		t.Fatalf("unexpected table counts: %+v", s)
	}
	if len(s.Cells) != 2 {
		t.Fatalf("expected two occupancy cells, got %d", len(s.Cells))
	}
	for cell, n := range s.Cells {
		if n != 1 && n != 2 {
			t.Fatalf("unexpected occupancy for cell %s: %d", cell, n)
		}
	}
}

func TestShutdownStopsQueries(t *testing.T) {
	h := NewHub()
	go h.Run()

	h.Shutdown()

	if _, err := h.Stats(context.Background()); err != ErrHubStopped {
		t.Fatalf("expected ErrHubStopped after shutdown, got %v", err)
	}
}
