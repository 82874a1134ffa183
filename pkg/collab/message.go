package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the "type" field of every frame. Change frames use
// the change action (add/update/delete/move) directly as their type, so the
// two vocabularies share one field on the wire.
const (
	TypeRegister     = "register"
	TypeInitialState = "initialState"
	TypeCursor       = "cursor"
	TypeStaleChange  = "stale_change"
	// TypeChangeAccepted confirms a change to its sender and carries the
	// stamped version; everyone else gets the change itself.
	TypeChangeAccepted = "change_accepted"

	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeEditStarted     = "resource_edit_started"
	TypeEditEnded       = "resource_edit_ended"
	TypeResourceUpdated = "resource_updated"
	TypeCommentAdded    = "comment_added"
	TypeMention         = "mention"
	TypeTaskAssigned    = "task_assigned"
)

// Change actions. A change frame's type is one of these.
const (
	ChangeAdd    = "add"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
	ChangeMove   = "move"
)

// IsChangeType reports whether t names a template mutation.
func IsChangeType(t string) bool {
	switch t {
	case ChangeAdd, ChangeUpdate, ChangeDelete, ChangeMove:
		return true
	}
	return false
}

// User is a member of a collaboration room. It exists only while a socket
// connection is open; Color is assigned on first registration and is stable
// for the rest of the session.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Position is a cursor location in template coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is a text selection range inside an element.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorState is the ephemeral pointer/selection state of one user. Each
// update fully overwrites the previous one; nothing is accumulated.
type CursorState struct {
	UserID    string     `json:"userId"`
	Position  *Position  `json:"position,omitempty"`
	ElementID string     `json:"elementId,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// TemplateChange is a template mutation. Data carries the entire resulting
// template snapshot, not a diff. BaseVersion is the version the sender made
// the change against; the server stamps Version on accepted changes.
type TemplateChange struct {
	Type        string          `json:"type"`
	TargetType  string          `json:"targetType"`
	TargetID    string          `json:"targetId,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	Version     int64           `json:"version,omitempty"`
}

// Envelope is the single frame shape used in both directions. Fields are
// populated according to Type; everything else stays empty on the wire.
type Envelope struct {
	Type string `json:"type"`

	// register
	UserID   string `json:"userId,omitempty"`
	UserInfo *User  `json:"userInfo,omitempty"`

	// notifications
	Title        string `json:"title,omitempty"`
	Message      string `json:"message,omitempty"`
	User         *User  `json:"user,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`

	// initialState
	Users []*User `json:"users,omitempty"`

	// cursor
	Cursor *CursorState `json:"cursor,omitempty"`

	// template changes and initialState snapshots
	TargetType  string          `json:"targetType,omitempty"`
	TargetID    string          `json:"targetId,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	Version     int64           `json:"version,omitempty"`
}

// Change extracts the TemplateChange carried by a change envelope.
func (e *Envelope) Change() TemplateChange {
	return TemplateChange{
		Type:        e.Type,
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		ParentID:    e.ParentID,
		Data:        e.Data,
		BaseVersion: e.BaseVersion,
		Version:     e.Version,
	}
}

// DecodeEnvelope parses a text frame. A frame that is not valid JSON or has
// no type is an error; callers log and drop it, they never tear down the
// session over it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &env, nil
}

func encode(env *Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		// Envelope contains only marshalable fields; RawMessage is the one
		// caller-supplied part and invalid JSON there is caught at decode.
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return b
}

func notification(typ, message string, from *User) *Envelope {
	return &Envelope{
		Type:      typ,
		Message:   message,
		User:      from,
		Timestamp: time.Now().UnixMilli(),
	}
}
