package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID is a numeric identifier that tolerates servers sending either JSON
// numbers or numeric strings. The two representations are mixed freely
// on the wire, so every id comparison goes through this type.
type ID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = str
	}
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*id = ID(n)
	return nil
}

// Int returns the id as an int64.
func (id ID) Int() int64 { return int64(id) }

// Attachment is an inline, base64-encoded file riding on a message.
type Attachment struct {
	Data     string `json:"data"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

// Message is a unit of chat content. Timestamps are unix milliseconds;
// zero means unset.
type Message struct {
	ID          ID          `json:"id"`
	ChannelID   ID          `json:"channel_id"`
	SenderID    ID          `json:"sender_id"`
	Body        string      `json:"body"`
	FromMe      bool        `json:"from_me"`
	CreatedAt   int64       `json:"created_at"`
	DeliveredAt int64       `json:"delivered_at,omitempty"`
	ReadAt      int64       `json:"read_at,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// Channel is a conversation, direct or group.
type Channel struct {
	ID            ID       `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	IsGroup       bool     `json:"is_group"`
	ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
	UnreadCount   int      `json:"unread_count"`
	LatestMessage *Message `json:"latest_message,omitempty"`
	// IsOnline is peer presence for direct channels; nil when unknown
	// or not applicable (groups).
	IsOnline *bool `json:"is_online,omitempty"`
	Members  []ID  `json:"members,omitempty"`
}

// Contact is an entry of the user's family/contact list.
type Contact struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsOnline  bool   `json:"is_online"`
}

// Pagination is the history cursor returned with every message page.
type Pagination struct {
	CurrentPage     int `json:"current_page"`
	LastPage        int `json:"last_page"`
	TotalRecords    int `json:"total_records"`
	FilteredRecords int `json:"filtered_records"`
}

// Request payloads. Outbound ids are always plain integers.

type JoinRequest struct {
	ChannelID int64 `json:"channel_id"`
	Page      int   `json:"page"`
	PerPage   int   `json:"per_page"`
}

type LeaveRequest struct {
	ChannelID int64 `json:"channel_id"`
}

type PageRequest struct {
	ChannelID int64 `json:"channel_id"`
	Page      int   `json:"page"`
	PerPage   int   `json:"per_page"`
}

type SendRequest struct {
	ChannelID  int64       `json:"channel_id"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type UpdateRequest struct {
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	Body      string `json:"body"`
}

type DeleteRequest struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

// ClearRequest clears a chat. With MessageIDs set it is a bulk delete,
// without it wipes the whole channel history.
type ClearRequest struct {
	ChannelID  int64   `json:"channel_id"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

type ReceiptRequest struct {
	ChannelID int64 `json:"channel_id"`
}

type TypingRequest struct {
	ChannelID int64 `json:"channel_id"`
}

// Reply and push payloads.

type JoinResult struct {
	Channel    Channel    `json:"channel"`
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

type PageResult struct {
	ChannelID  ID         `json:"channel_id"`
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// Receipt acknowledges delivery or reading of messages. An empty
// MessageIDs list means "everything pending in the channel".
type Receipt struct {
	ChannelID  ID    `json:"channel_id"`
	MessageIDs []ID  `json:"message_ids,omitempty"`
	At         int64 `json:"at,omitempty"`
}

type TypingEvent struct {
	ChannelID ID `json:"channel_id"`
	UserID    ID `json:"user_id"`
}

type PresenceEvent struct {
	ChannelID ID `json:"channel_id"`
	UserID    ID `json:"user_id"`
}

type DeletedEvent struct {
	ChannelID ID `json:"channel_id"`
	MessageID ID `json:"message_id"`
}

type BulkDeletedEvent struct {
	ChannelID  ID   `json:"channel_id"`
	MessageIDs []ID `json:"message_ids"`
}

type ClearedEvent struct {
	ChannelID ID `json:"channel_id"`
}

type HeartbeatStart struct {
	IntervalMS int64 `json:"interval_ms"`
}

// ErrorPayload is the body of an "error" envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}
