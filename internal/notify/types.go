// Package notify holds the notification data model shared by every delivery
// channel: envelopes, receiver identities, wire frames, and delivery reports.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReceiverID identifies a receiver endpoint. Producers may send numbers or
// strings; both decode to the same canonical string so 1 and "1" match.
type ReceiverID string

func (r *ReceiverID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ReceiverID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("receiver id: want number or string, got %s", b)
	}
	*r = ReceiverID(canonicalNumber(n))
	return nil
}

// ParseReceiverID normalizes a value decoded from an untyped source
// (token claims, query strings).
func ParseReceiverID(v any) (ReceiverID, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return ReceiverID(s), s != ""
	case float64:
		return ReceiverID(strconv.FormatFloat(x, 'f', -1, 64)), true
	case json.Number:
		return ReceiverID(canonicalNumber(x)), true
	case int:
		return ReceiverID(strconv.Itoa(x)), true
	case int64:
		return ReceiverID(strconv.FormatInt(x, 10)), true
	default:
		return "", false
	}
}

func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}

func (r ReceiverID) String() string { return string(r) }

// UniqueReceivers returns list with duplicates removed, keeping first-seen order.
func UniqueReceivers(list []ReceiverID) []ReceiverID {
	if list == nil {
		return nil
	}
	seen := make(map[ReceiverID]struct{}, len(list))
	out := make([]ReceiverID, 0, len(list))
	for _, id := range list {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// TelegramParams is the bot extension of an envelope and the body of a
// direct bot request. Receivers are chat ids; duplicates are sent twice.
type TelegramParams struct {
	Receivers []string `json:"receivers"`
	Message   string   `json:"message"`
}

// Immediate is the notification envelope.
//
// Receivers == nil means the list was absent; a non-nil empty slice means
// it was present and empty.
type Immediate struct {
	Type      string          `json:"type"`
	Item      json.RawMessage `json:"item,omitempty"`
	Message   string          `json:"message"`
	Receivers []ReceiverID    `json:"receivers"`
	Telegram  *TelegramParams `json:"telegram,omitempty"`
}

// Wire builds the frame written to a client connection.
func (n Immediate) Wire() WireMessage {
	return WireMessage{Key: n.Type, Data: n.Item, Message: n.Message}
}

// Delayed is a deferred request: an envelope plus its scheduling instruction.
type Delayed struct {
	Immediate
	Delay time.Duration
	JobID string
}

// WireMessage is the JSON frame a client receives.
type WireMessage struct {
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (w WireMessage) MarshalJSON() ([]byte, error) {
	data := w.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	type frame WireMessage
	return json.Marshal(frame{Key: w.Key, Data: data, Message: w.Message})
}

// Welcome is sent once on a successful handshake.
type Welcome struct {
	Message string `json:"message"`
}

const WelcomeText = "connection established"
