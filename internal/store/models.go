// Package store implements the EncryptedRelationalStore (SPEC_FULL.md §4.B):
// a per-user encrypted SQL database funneled through a single-writer actor,
// exposing typed DAO calls that return plain data rather than row cursors.
package store

// MessageStatus is the send state machine described in SPEC_FULL.md §4.G.
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusRetrying
	StatusSent
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "Sending"
	case StatusRetrying:
		return "Retrying"
	case StatusSent:
		return "Sent"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Channel type discriminators (spec.md §3: "Created automatically on first
// interaction (accept friend → direct channel; join group → group
// channel)").
const (
	ChannelTypeDirect uint8 = iota
	ChannelTypeGroup
)

// Message mirrors the `message` table (SPEC_FULL.md §3, §6).
type Message struct {
	LocalMessageID  uint64
	ServerMessageID uint64 // 0 until assigned
	ChannelID       uint64
	ChannelType     uint8
	SenderID        uint64
	Content         string
	MessageType     string
	Status          MessageStatus
	Timestamp       int64
	PTS             uint64

	// Local-only fields, never sent over the wire.
	SearchableText string
	Revoked        bool
	ViewOnce       bool
	ViewOnceViewed bool
}

// Channel mirrors the `channel` table.
type Channel struct {
	ChannelID     uint64
	ChannelType   uint8
	LastMessageID uint64
	UnreadCount   int64
	LastPTS       uint64
	Name          string
	Avatar        string
	Muted         bool
	Pinned        bool
	Hidden        bool
}

// MemberRole enumerates ChannelMember.Role values.
type MemberRole int

const (
	RoleMember MemberRole = iota
	RoleAdmin
	RoleOwner
)

// MemberStatus enumerates ChannelMember.Status values.
type MemberStatus int

const (
	MemberActive MemberStatus = iota
	MemberLeft
)

// ChannelMember mirrors the `channel_member` table.
type ChannelMember struct {
	ChannelID   uint64
	ChannelType uint8
	UserID      uint64
	Role        MemberRole
	Status      MemberStatus
	Version     int64
}

// User mirrors the `user` table.
type User struct {
	UserID    uint64
	Username  string
	Nickname  string
	Avatar    string
	UpdatedAt int64
}

// Friend mirrors the `friend` table.
type Friend struct {
	UserID    uint64
	Tags      string
	Pinned    bool
	CreatedAt int64
	UpdatedAt int64
}

// Group mirrors the `group` table.
type Group struct {
	GroupID   uint64
	Name      string
	Avatar    string
	OwnerID   uint64
	Dismissed bool
}

// Reaction mirrors the `message_reaction` table.
type Reaction struct {
	MessageID uint64
	UserID    uint64
	Emoji     string
	ChannelID uint64
	CreatedAt int64
	UpdatedAt int64
	Deleted   bool
}

// MessageExtra mirrors the `message_extra` table.
type MessageExtra struct {
	MessageID  uint64
	ReadCount  int64
	Revoked    bool
	Edited     bool
	EditedText string
	Pinned     bool
}

// Mention mirrors the `mention` table.
type Mention struct {
	MessageID       uint64
	MentionedUserID uint64
	IsAll           bool
	Read            bool
}

// Reminder mirrors the `reminder` table (SPEC_FULL.md §10).
type Reminder struct {
	ReminderID uint64
	ChannelID  uint64
	MessageID  uint64
	RemindAt   int64
	Note       string
}

// SendTask describes one queued send's scheduling state. No table or view
// stores it; the send queue keeps its own per-nonce mirror in KV.
type SendTask struct {
	ClientNonce string
	ChannelID   uint64
	Priority    int
	RetryCount  int
	NextRetryAt int64
	State       MessageStatus
}
