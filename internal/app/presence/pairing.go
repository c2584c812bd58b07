/*
Package presence implements the core of the live-location chat service.

This file holds the session negotiation state machine. The PendingRequest
and Session tables are the single source of truth: a user's status is
recomputed from table membership on every read and never cached anywhere.
*/
package presence

import "time"

// PendingRequest is an unaccepted chat invitation directed from one user
// to another. It lives until it is accepted, declined, cancelled, or one
// of the parties disconnects.
type PendingRequest struct {
	From      string
	To        string
	CreatedAt time.Time
}

// Session is an accepted, active two-party chat pairing.
type Session struct {
	A         string
	B         string
	CreatedAt time.Time
}

// pairing owns the PendingRequest and Session tables.
//
// Invariants it enforces:
//   - a user id appears in at most one Session;
//   - a user id appears in at most one PendingRequest, as source or
//     destination;
//   - a user referenced by any table is never idle, so a second request
//     targeting them fails its precondition.
//
// pairing is not safe for concurrent use. The Hub run loop is its only
// caller.
type pairing struct {
	// byRequester and byTarget index the same PendingRequest values.
	byRequester map[string]*PendingRequest
	byTarget    map[string]*PendingRequest

	// sessions holds one entry per participant, both pointing at the
	// same Session value.
	sessions map[string]*Session
}

func newPairing() *pairing {
	return &pairing{
		byRequester: make(map[string]*PendingRequest),
		byTarget:    make(map[string]*PendingRequest),
		sessions:    make(map[string]*Session),
	}
}

// Status derives the negotiation state of id from table membership.
func (p *pairing) Status(id string) Status {
	if _, ok := p.sessions[id]; ok {
		return StatusChatting
	}
	if _, ok := p.byRequester[id]; ok {
		return StatusRequesting
	}
	if _, ok := p.byTarget[id]; ok {
		return StatusRequesting
	}
	return StatusIdle
}

// Partner returns the session counterpart of id, if id is chatting.
func (p *pairing) Partner(id string) (string, bool) {
	s, ok := p.sessions[id]
	if !ok {
		return "", false
	}
	if s.A == id {
		return s.B, true
	}
	return s.A, true
}

// Request records a new pending request from→to. Both parties must be
// idle and distinct; anything else is a failed precondition and a no-op.
func (p *pairing) Request(from, to string) bool {
	if from == "" || to == "" || from == to {
		return false
	}
	if p.Status(from) != StatusIdle || p.Status(to) != StatusIdle {
		return false
	}

	req := &PendingRequest{From: from, To: to, CreatedAt: time.Now()}
	p.byRequester[from] = req
	p.byTarget[to] = req
	return true
}

// take removes the pending request from→to if exactly that request exists.
func (p *pairing) take(from, to string) bool {
	req, ok := p.byRequester[from]
	if !ok || req.To != to {
		return false
	}
	delete(p.byRequester, from)
	delete(p.byTarget, to)
	return true
}

// Cancel removes the pending request from→to on behalf of the requester.
// A second cancel for the same pair finds nothing and is a no-op.
func (p *pairing) Cancel(from, to string) bool {
	return p.take(from, to)
}

// Decline removes the pending request from→to on behalf of the target.
func (p *pairing) Decline(from, to string) bool {
	return p.take(from, to)
}

// Accept promotes the pending request from→to into an active session.
// The request is removed before the session is created, so neither party
// ever appears in both tables.
func (p *pairing) Accept(from, to string) bool {
	if !p.take(from, to) {
		return false
	}

	s := &Session{A: from, B: to, CreatedAt: time.Now()}
	p.sessions[from] = s
	p.sessions[to] = s
	return true
}

// End tears down the session containing user and returns the counterpart.
func (p *pairing) End(user string) (string, bool) {
	partner, ok := p.Partner(user)
	if !ok {
		return "", false
	}
	delete(p.sessions, user)
	delete(p.sessions, partner)
	return partner, true
}

// Teardown reports what Drop removed on behalf of a departing user. At
// most one field is set, since a user is referenced by at most one table.
type Teardown struct {
	// Partner is the session counterpart, if the user was chatting.
	Partner string

	// RequestTarget is the destination of the user's outgoing request.
	RequestTarget string

	// Requester is the source of a request aimed at the user.
	Requester string
}

// Drop removes every request and session referencing user. Called on
// disconnect; the counterpart named in the Teardown returns to idle.
func (p *pairing) Drop(user string) Teardown {
	var td Teardown

	if partner, ok := p.End(user); ok {
		td.Partner = partner
	}
	if req, ok := p.byRequester[user]; ok {
		td.RequestTarget = req.To
		delete(p.byRequester, user)
		delete(p.byTarget, req.To)
	}
	if req, ok := p.byTarget[user]; ok {
		td.Requester = req.From
		delete(p.byTarget, user)
		delete(p.byRequester, req.From)
	}
	return td
}

// SessionCount returns the number of active sessions.
func (p *pairing) SessionCount() int {
	return len(p.sessions) / 2
}

// PendingCount returns the number of outstanding requests.
func (p *pairing) PendingCount() int {
	return len(p.byRequester)
}

// OldestPending returns the age of the oldest outstanding request.
// Requests have no expiry, so this is the operator's only visibility
// into requesters who never cancel.
func (p *pairing) OldestPending(now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, req := range p.byRequester {
		if oldest.IsZero() || req.CreatedAt.Before(oldest) {
			oldest = req.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return now.Sub(oldest), true
}
