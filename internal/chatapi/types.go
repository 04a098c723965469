package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/filter"
)

// Event types the sync core reacts to.
const (
	EventHealthCheck         = "health.check"
	EventMessageNew          = "message.new"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventChannelUpdated      = "channel.updated"
	EventChannelDeleted      = "channel.deleted"
	EventChannelVisible      = "channel.visible"
	EventChannelTruncated    = "channel.truncated"
	EventUserUpdated         = "user.updated"
	EventUserPresenceChanged = "user.presence.changed"
	EventNotificationAdded   = "notification.added_to_channel"
	EventNotificationRemoved = "notification.removed_from_channel"
	EventNotificationMessage = "notification.message_new"
)

// ChannelPayload is a channel as returned by the server. Custom fields are
// kept in Extra.
type ChannelPayload struct {
	CID           string         `json:"cid"`
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	MemberCount   int            `json:"member_count"`
	LastMessageAt time.Time      `json:"last_message_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Extra         map[string]any `json:"-"`
}

var channelKnownFields = []string{"cid", "type", "id", "name", "member_count", "last_message_at",
	"created_at", "updated_at", "created_by", "config", "members", "own_capabilities", "frozen", "disabled"}

func (c *ChannelPayload) UnmarshalJSON(data []byte) error {
	type plain ChannelPayload
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range channelKnownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		c.Extra = all
	}
	if c.CID == "" && c.Type != "" && c.ID != "" {
		c.CID = c.Type + ":" + c.ID
	}
	return nil
}

// ChannelState is one entry of a channel query response.
type ChannelState struct {
	Channel  *ChannelPayload  `json:"channel"`
	Messages []MessagePayload `json:"messages"`
	Read     []ReadState      `json:"read,omitempty"`
}

// ReadState is a member's read marker.
type ReadState struct {
	User        UserPayload `json:"user"`
	UnreadCount int         `json:"unread_messages"`
}

// UserPayload is a user as returned by the server.
type UserPayload struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Role       string     `json:"role,omitempty"`
	Online     bool       `json:"online"`
	LastActive *time.Time `json:"last_active,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// MessagePayload is a message as returned by the server.
type MessagePayload struct {
	ID        string       `json:"id"`
	CID       string       `json:"cid"`
	Text      string       `json:"text"`
	Type      string       `json:"type,omitempty"`
	User      *UserPayload `json:"user,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

// UserID returns the author's id, or "".
func (m *MessagePayload) UserID() string {
	if m.User == nil {
		return ""
	}
	return m.User.ID
}

// MessageRequest is the body of a send or update call.
type MessageRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// EventPayload is a realtime event, received over the websocket or replayed
// from the missing-events endpoint.
type EventPayload struct {
	Type         string          `json:"type"`
	CID          string          `json:"cid,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Channel      *ChannelPayload `json:"channel,omitempty"`
	Message      *MessagePayload `json:"message,omitempty"`
	User         *UserPayload    `json:"user,omitempty"`
	Me           *UserPayload    `json:"me,omitempty"`
	UnreadCount  *int            `json:"unread_count,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DecodeEvent parses one raw event. Events without a type are rejected.
func DecodeEvent(raw []byte) (*EventPayload, error) {
	var evt EventPayload
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return nil, errors.New("decode event: missing type")
	}
	if evt.CID == "" && evt.Channel != nil {
		evt.CID = evt.Channel.CID
	}
	return &evt, nil
}

// SortOption orders query results. Direction is 1 or -1.
type SortOption struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// ParseSort turns "-last_message_at,name" into sort options.
func ParseSort(s string) []SortOption {
	var out []SortOption
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir := 1
		if strings.HasPrefix(part, "-") {
			dir = -1
			part = part[1:]
		}
		out = append(out, SortOption{Field: part, Direction: dir})
	}
	return out
}

// ChannelQuery asks for a page of channels matching Filter. Watch registers
// the connection for live updates on every returned channel.
type ChannelQuery struct {
	Filter       filter.Filter
	Sort         string
	Limit        int
	Offset       int
	MessageLimit int
	Watch        bool
	Presence     bool
	ConnectionID string
}

// UserQuery asks for a page of users matching Filter.
type UserQuery struct {
	Filter       filter.Filter
	Sort         string
	Limit        int
	Offset       int
	Presence     bool
	ConnectionID string
}

// QueryChannelsResponse is the result of QueryChannels.
type QueryChannelsResponse struct {
	Channels []ChannelState `json:"channels"`
}

// QueryUsersResponse is the result of QueryUsers.
type QueryUsersResponse struct {
	Users []UserPayload `json:"users"`
}

// MissingEventsResponse carries events still to be decoded, in server order.
type MissingEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}
