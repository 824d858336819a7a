package gateway

import "sync/atomic"

// Identity is the Session identity entity (spec §3): the triple a
// connection needs to RESUME instead of re-IDENTIFYing from scratch.
//
// Invariant: if Resumable is true, SessionID is non-empty and
// LastSequence() > 0 — enforced by whoever mutates it (see SetReady /
// Clear below), never by Identity itself holding a lock, since every field
// but the sequence is only ever touched from the connection's own
// goroutine.
type Identity struct {
	SessionID        string
	ResumeGatewayURL string
	Resumable        bool

	sequence int64 // atomic; read/written from any goroutine (heartbeat included)
}

// LastSequence returns the last observed DISPATCH sequence number.
func (id *Identity) LastSequence() int64 {
	return atomic.LoadInt64(&id.sequence)
}

// SetSequence records the sequence of the most recent DISPATCH payload.
func (id *Identity) SetSequence(seq int64) {
	atomic.StoreInt64(&id.sequence, seq)
}

// SetReady establishes a fresh session identity after an IDENTIFY is
// acknowledged by READY, or updates it in place after a RESUME is
// acknowledged by RESUMED.
func (id *Identity) SetReady(sessionID, resumeURL string) {
	id.SessionID = sessionID
	id.ResumeGatewayURL = resumeURL
	id.Resumable = true
}

// Clear drops the session identity, forcing the next connection attempt to
// IDENTIFY rather than RESUME. Used on non-resumable closes and on
// INVALID_SESSION with resumable=false.
func (id *Identity) Clear() {
	id.SessionID = ""
	id.ResumeGatewayURL = ""
	id.Resumable = false
	atomic.StoreInt64(&id.sequence, 0)
}

// CanResume reports whether this identity carries enough state to attempt
// a RESUME (spec invariant: resumable implies non-empty session id and a
// positive last sequence).
func (id *Identity) CanResume() bool {
	return id.Resumable && id.SessionID != "" && id.LastSequence() > 0
}
