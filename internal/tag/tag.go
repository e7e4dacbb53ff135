// Package tag encodes the reconciliation marker carried by every busy block.
//
// A busy block names its source with a text tag of the form
//
//	tag[source:<account>:<calendar_id>:<event_id>]
//
// which is embedded in the block's description and stored as a structured
// provider property. Composites longer than MaxLen are replaced by the hashed
// form tag[source:h:<key>], so the marker always fits provider limits.
package tag

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxLen is the longest text tag written verbatim.
const MaxLen = 256

const (
	prefix     = "tag[source:"
	hashMarker = "h"
)

var pattern = regexp.MustCompile(`tag\[source:[^\]\s]+\]`)

// Tag identifies the source event a busy block mirrors. Hash is set only for
// tags parsed from the hashed form, where the components are unrecoverable.
type Tag struct {
	Account    string
	CalendarID string
	EventID    string
	Hash       string
}

// New builds a tag for a source event.
func New(account, calendarID, eventID string) Tag {
	return Tag{Account: account, CalendarID: calendarID, EventID: eventID}
}

// Key returns the bounded lookup key stored alongside the busy block.
func (t Tag) Key() string {
	if t.Hash != "" {
		return t.Hash
	}
	return Key(t.Account, t.CalendarID, t.EventID)
}

// Key hashes a source identity into 32 hex characters.
func Key(account, calendarID, eventID string) string {
	sum := sha256.Sum256([]byte(account + "\x00" + calendarID + "\x00" + eventID))
	return hex.EncodeToString(sum[:16])
}

// String renders the text form, falling back to the hashed form when the
// composite would exceed MaxLen.
func (t Tag) String() string {
	if t.Hash == "" {
		full := prefix + t.Account + ":" + t.CalendarID + ":" + t.EventID + "]"
		if len(full) <= MaxLen && !strings.ContainsAny(full, " \t\r\n") {
			return full
		}
	}
	return prefix + hashMarker + ":" + t.Key() + "]"
}

// IsZero reports whether t carries no identity.
func (t Tag) IsZero() bool {
	return t == Tag{}
}

// Matches reports whether text contains a busy-block tag.
func Matches(text string) bool {
	return pattern.MatchString(text)
}

// Parse extracts the first tag found in text.
func Parse(text string) (Tag, bool) {
	raw := pattern.FindString(text)
	if raw == "" {
		return Tag{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(raw, prefix), "]")

	if h, ok := strings.CutPrefix(body, hashMarker+":"); ok && isKey(h) {
		return Tag{Hash: h}, true
	}

	// Calendar and event ids never contain ':', account identities may.
	last := strings.LastIndex(body, ":")
	if last <= 0 {
		return Tag{}, false
	}
	rest, eventID := body[:last], body[last+1:]
	mid := strings.LastIndex(rest, ":")
	if mid <= 0 {
		return Tag{}, false
	}
	account, calendarID := rest[:mid], rest[mid+1:]
	if calendarID == "" || eventID == "" {
		return Tag{}, false
	}
	return New(account, calendarID, eventID), true
}

func isKey(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
