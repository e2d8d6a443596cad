package chat

import (
	"time"
)

// RoomType classifies a room.
type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
	RoomGroup   RoomType = "group"
	RoomDirect  RoomType = "direct"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	switch t {
	case RoomPublic, RoomPrivate, RoomGroup, RoomDirect:
		return true
	}
	return false
}

// Role is a member's role inside a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanManage reports whether the role may administer other members.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// PresenceStatus is a user's visible availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// User is a chat participant. Status and LastSeen are owned by presence tracking.
type User struct {
	ID          string         `gorm:"primaryKey;type:text" json:"id"`
	Username    string         `gorm:"uniqueIndex;not null;type:text" json:"username"`
	DisplayName string         `gorm:"type:text" json:"display_name"`
	Avatar      string         `gorm:"type:text" json:"avatar"`
	Status      PresenceStatus `gorm:"type:text;not null;default:offline" json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the table name for the User entity.
func (User) TableName() string {
	return "users"
}

// Room is a conversation scope. LastSeq is the authoritative per-room order key.
type Room struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	Type          RoomType  `gorm:"type:text;not null;default:private" json:"type"`
	CreatedBy     string    `gorm:"type:text;not null" json:"created_by"`
	LastSeq       int64     `gorm:"not null;default:0" json:"last_seq"`
	LastMessageID *string   `gorm:"type:text" json:"last_message_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the table name for the Room entity.
func (Room) TableName() string {
	return "rooms"
}

// RoomMember links a user to a room with a role.
type RoomMember struct {
	RoomID   string    `gorm:"primaryKey;type:text" json:"room_id"`
	UserID   string    `gorm:"primaryKey;type:text;index" json:"user_id"`
	Role     Role      `gorm:"type:text;not null;default:member" json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// TableName returns the table name for the RoomMember entity.
func (RoomMember) TableName() string {
	return "room_members"
}

// Message is a persisted chat message. Seq is unique within RoomID.
type Message struct {
	ID          string        `gorm:"primaryKey;type:text" json:"id"`
	RoomID      string        `gorm:"type:text;not null;uniqueIndex:idx_room_seq,priority:1" json:"room_id"`
	Seq         int64         `gorm:"not null;uniqueIndex:idx_room_seq,priority:2" json:"seq"`
	AuthorID    string        `gorm:"type:text;not null;index" json:"author_id"`
	Content     string        `gorm:"type:text" json:"content"`
	ReplyToID   *string       `gorm:"type:text" json:"reply_to_id,omitempty"`
	Type        string        `gorm:"type:text;not null;default:text" json:"type"`
	Status      MessageStatus `gorm:"type:text;not null;default:sent" json:"status"`
	Edited      bool          `gorm:"not null;default:false" json:"edited"`
	Attachments []Attachment  `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName returns the table name for the Message entity.
func (Message) TableName() string {
	return "messages"
}

// Attachment is file metadata carried by a message. File bytes live elsewhere.
type Attachment struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string `gorm:"type:text;not null;index" json:"-"`
	Name      string `gorm:"type:text;not null" json:"name"`
	MimeType  string `gorm:"type:text;not null" json:"type"`
	URL       string `gorm:"type:text;not null" json:"url"`
	Size      int64  `gorm:"not null" json:"size"`
}

// TableName returns the table name for the Attachment entity.
func (Attachment) TableName() string {
	return "attachments"
}

// Reaction is a (message, user, emoji) triple; at most one per triple.
type Reaction struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string    `gorm:"type:text;not null;uniqueIndex:idx_reaction,priority:1" json:"message_id"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_reaction,priority:2" json:"user_id"`
	Emoji     string    `gorm:"type:text;not null;uniqueIndex:idx_reaction,priority:3" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for the Reaction entity.
func (Reaction) TableName() string {
	return "reactions"
}

// Identity is a verified user handed to the core by the auth collaborator.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Models lists every persisted entity, in migration order.
func Models() []any {
	return []any{&User{}, &Room{}, &RoomMember{}, &Message{}, &Attachment{}, &Reaction{}}
}
