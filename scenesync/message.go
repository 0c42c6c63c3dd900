package scenesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionClientEvent Action = "clientEvent"
)

type MessageType string

const (
	TypeObject       MessageType = "object"
	TypeSceneOptions MessageType = "scene-options"
	TypeProgram      MessageType = "program"
)

// AttributeBag is the dynamic `data` payload of a wire message. Values
// stay raw until an applier claims them, so unknown attributes survive a
// merge-and-republish round trip untouched.
type AttributeBag map[string]json.RawMessage

// Merge overwrites fields present in incoming and keeps the rest.
// Field-level last-writer-wins, which makes replaying the same message
// idempotent.
func (self AttributeBag) Merge(incoming AttributeBag) {
	for name, value := range incoming {
		self[name] = value
	}
}

func (self AttributeBag) Clone() AttributeBag {
	out := AttributeBag{}
	for name, value := range self {
		out[name] = value
	}
	return out
}

func (self AttributeBag) Equal(other AttributeBag) bool {
	if len(self) != len(other) {
		return false
	}
	for name, value := range self {
		otherValue, ok := other[name]
		if !ok || !bytes.Equal(value, otherValue) {
			return false
		}
	}
	return true
}

// sorted for deterministic logs
func (self AttributeBag) Names() []string {
	names := maps.Keys(self)
	slices.Sort(names)
	return names
}

func (self AttributeBag) String(name string) (string, bool) {
	raw, ok := self[name]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

func (self AttributeBag) Float(name string) (float64, bool) {
	raw, ok := self[name]
	if !ok {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}

// Message is one wire lifecycle event.
type Message struct {
	ObjectId  string       `json:"object_id"`
	Action    Action       `json:"action"`
	Type      MessageType  `json:"type,omitempty"`
	Persist   bool         `json:"persist,omitempty"`
	Ttl       float64      `json:"ttl,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Data      AttributeBag `json:"data,omitempty"`
}

func NewObjectMessage(objectId string, action Action, data AttributeBag) *Message {
	return &Message{
		ObjectId:  objectId,
		Action:    action,
		Type:      TypeObject,
		Timestamp: wireTimestamp(time.Now()),
		Data:      data,
	}
}

func DecodeMessage(payload []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, &ParseError{Message: "bad json", Cause: err}
	}
	if message.ObjectId == "" {
		return nil, &ParseError{Message: "missing object_id"}
	}
	switch message.Action {
	case ActionCreate, ActionUpdate, ActionDelete, ActionClientEvent:
	default:
		return nil, &ParseError{Message: fmt.Sprintf("unknown action %q for %s", message.Action, message.ObjectId)}
	}
	if message.Type == "" {
		message.Type = TypeObject
	}
	return &message, nil
}

func (self *Message) Encode() ([]byte, error) {
	return json.Marshal(self)
}
