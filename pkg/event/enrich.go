package event

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Enrichment fills the identity fields an event may arrive without. It runs
// at admission time, after sampling, so the sampling decision sees only the
// client-supplied identity.

// DeviceIDProperty is the property clients use to carry a persistent
// client-side identifier (first-party cookie or device id).
const DeviceIDProperty = "device_id"

// Enrich assigns UserID and SessionID when missing. The user id preference
// order: client-supplied id, persistent client identifier from the property
// bag, then a stable hash of (remote address, agent string, tenant id).
func (e *RawEvent) Enrich() {
	if e.UserID == "" {
		e.UserID = deriveUserID(e)
	}
	if e.SessionID == "" && e.UserID != "" {
		e.SessionID = SessionIDFor(e.UserID, e)
	}
}

func deriveUserID(e *RawEvent) string {
	if device, ok := e.Properties[DeviceIDProperty].(string); ok && device != "" {
		return device
	}
	if e.RemoteAddr == "" && e.UserAgent == "" {
		// Nothing stable to hash; a random id still groups the session.
		return "anonymous_" + randomHex(6)
	}
	// The tenant id salts the hash so the same visitor does not share an id
	// across tenants.
	sum := sha256.Sum256([]byte(e.RemoteAddr + "|" + e.UserAgent + "|" + e.TenantID))
	return "hash_" + hex.EncodeToString(sum[:])[:16]
}

// SessionIDFor derives the session id from the user id and the 60-minute
// window the event falls into. Events from one user within the same hour
// share a session.
func SessionIDFor(userID string, e *RawEvent) string {
	window := e.Timestamp.UTC().Format("2006010215")
	return userID + "_session_" + window
}

// IdempotencyKey returns the key deduplicating store writes. The client
// event id is preferred; without one, a content hash of the identity fields
// stands in so that queue redelivery of the same entry stays idempotent.
func (e *RawEvent) IdempotencyKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	composite := fmt.Sprintf("%s|%s|%s|%d", e.Name, e.UserID, e.SourceID, e.Timestamp.UnixNano())
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("event: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
