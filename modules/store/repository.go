package store

import (
	"context"
	"errors"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository handles chat persistence using GORM.
// Driver failures are returned as *domain.StoreError; lookups and constraint
// violations map to domain sentinel errors.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new Repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db: db,
	}
}

func wrap(op string, err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	return &domain.StoreError{Op: op, Err: err}
}

// CreateRoom inserts a room together with its owner membership.
func (r *Repository) CreateRoom(ctx context.Context, room *domain.Room, owner *domain.RoomMember) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(owner).Error
	})
	return wrap("create-room", err)
}

// GetRoom finds a room by ID.
func (r *Repository) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	result := r.db.WithContext(ctx).First(&room, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, wrap("get-room", result.Error)
	}
	return &room, nil
}

// ListRoomsForUser returns the rooms a user belongs to, most recently active first.
func (r *Repository) ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error) {
	var rooms []domain.Room
	result := r.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.last_activity DESC").
		Find(&rooms)
	if result.Error != nil {
		return nil, wrap("list-rooms", result.Error)
	}
	return rooms, nil
}

// UpdateRoom overwrites a room's name, description and type.
func (r *Repository) UpdateRoom(ctx context.Context, roomID, name, description string, roomType domain.RoomType) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Room{}).
			Where("id = ?", roomID).
			Updates(map[string]any{
				"name":        name,
				"description": description,
				"type":        roomType,
				"updated_at":  time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrRoomNotFound
		}
		return tx.First(&room, "id = ?", roomID).Error
	})
	if err != nil {
		return nil, wrap("update-room", err)
	}
	return &room, nil
}

// DeleteRoom removes a room with its memberships, messages, attachments and
// reactions in one transaction.
func (r *Repository) DeleteRoom(ctx context.Context, roomID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messageIDs []string
		if err := tx.Model(&domain.Message{}).Where("room_id = ?", roomID).Pluck("id", &messageIDs).Error; err != nil {
			return err
		}
		if len(messageIDs) > 0 {
			if err := tx.Where("message_id IN ?", messageIDs).Delete(&domain.Reaction{}).Error; err != nil {
				return err
			}
			if err := tx.Where("message_id IN ?", messageIDs).Delete(&domain.Attachment{}).Error; err != nil {
				return err
			}
			if err := tx.Where("room_id = ?", roomID).Delete(&domain.Message{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&domain.RoomMember{}).Error; err != nil {
			return err
		}

		res := tx.Where("id = ?", roomID).Delete(&domain.Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrRoomNotFound
		}
		return nil
	})
	return wrap("delete-room", err)
}

// GetRoomMembers returns every membership row of a room.
func (r *Repository) GetRoomMembers(ctx context.Context, roomID string) ([]domain.RoomMember, error) {
	var members []domain.RoomMember
	result := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&members)
	if result.Error != nil {
		return nil, wrap("get-room-members", result.Error)
	}
	return members, nil
}

// RoomIDsForUser returns the IDs of rooms a user belongs to.
func (r *Repository) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	result := r.db.WithContext(ctx).
		Model(&domain.RoomMember{}).
		Where("user_id = ?", userID).
		Order("joined_at ASC").
		Pluck("room_id", &ids)
	if result.Error != nil {
		return nil, wrap("room-ids-for-user", result.Error)
	}
	return ids, nil
}

// AddMember inserts a membership row. A repeated insert yields ErrAlreadyMember.
func (r *Repository) AddMember(ctx context.Context, member *domain.RoomMember) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Room{}).Where("id = ?", member.RoomID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrRoomNotFound
		}
		if err := tx.Create(member).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAlreadyMember
			}
			return err
		}
		return nil
	})
	return wrap("add-member", err)
}

// RemoveMember deletes a membership row.
func (r *Repository) RemoveMember(ctx context.Context, roomID, userID string) error {
	result := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&domain.RoomMember{})
	if result.Error != nil {
		return wrap("remove-member", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotAMember
	}
	return nil
}

// UpdateMemberRole changes a member's role.
func (r *Repository) UpdateMemberRole(ctx context.Context, roomID, userID string, role domain.Role) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("role", role)
	if result.Error != nil {
		return wrap("update-member-role", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotAMember
	}
	return nil
}

// TransferOwnership makes newOwnerID the owner and demotes the current owner to admin.
func (r *Repository) TransferOwnership(ctx context.Context, roomID, ownerID, newOwnerID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.RoomMember
		if err := tx.First(&current, "room_id = ? AND user_id = ?", roomID, ownerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotAMember
			}
			return err
		}
		if current.Role != domain.RoleOwner {
			return domain.ErrForbidden
		}

		res := tx.Model(&domain.RoomMember{}).
			Where("room_id = ? AND user_id = ?", roomID, newOwnerID).
			Update("role", domain.RoleOwner)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotAMember
		}

		return tx.Model(&domain.RoomMember{}).
			Where("room_id = ? AND user_id = ?", roomID, ownerID).
			Update("role", domain.RoleAdmin).Error
	})
	return wrap("transfer-ownership", err)
}

// PersistMessage assigns the next room sequence and inserts the message in one
// transaction. The room's last message and activity are updated with it.
func (r *Repository) PersistMessage(ctx context.Context, msg *domain.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Room{}).
			Where("id = ?", msg.RoomID).
			Update("last_seq", gorm.Expr("last_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrRoomNotFound
		}

		var room domain.Room
		if err := tx.Select("last_seq").First(&room, "id = ?", msg.RoomID).Error; err != nil {
			return err
		}
		msg.Seq = room.LastSeq

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&domain.Room{}).
			Where("id = ?", msg.RoomID).
			Updates(map[string]any{
				"last_message_id": msg.ID,
				"last_activity":   msg.CreatedAt,
			}).Error
	})
	return wrap("persist-message", err)
}

// GetMessage finds a message by ID with its attachments.
func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	result := r.db.WithContext(ctx).Preload("Attachments").First(&msg, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, wrap("get-message", result.Error)
	}
	return &msg, nil
}

// UpdateMessageStatus applies status only over lower-ranked statuses.
// It reports whether a row changed.
func (r *Repository) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	below := status.Below()
	if len(below) == 0 {
		return false, nil
	}
	result := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status IN ?", id, below).
		Update("status", status)
	if result.Error != nil {
		return false, wrap("update-message-status", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MessagesAfter returns up to limit messages with seq > afterSeq, oldest first.
func (r *Repository) MessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	result := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&msgs)
	if result.Error != nil {
		return nil, wrap("messages-after", result.Error)
	}
	return msgs, nil
}

// MessagesBefore returns the newest limit messages with seq < beforeSeq, oldest
// first. A beforeSeq of zero pages from the newest message.
func (r *Repository) MessagesBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	q := r.db.WithContext(ctx).Preload("Attachments").Where("room_id = ?", roomID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}

	var msgs []domain.Message
	if err := q.Order("seq DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, wrap("messages-before", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ToggleReaction removes the (message, user, emoji) triple if present, otherwise
// inserts it. It returns whether the reaction was added and the full list after.
func (r *Repository) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, []domain.Reaction, error) {
	var added bool
	var reactions []domain.Reaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&domain.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			reaction := &domain.Reaction{
				MessageID: messageID,
				UserID:    userID,
				Emoji:     emoji,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(reaction).Error; err != nil {
				return err
			}
			added = true
		}
		return tx.Where("message_id = ?", messageID).Order("created_at ASC, id ASC").Find(&reactions).Error
	})
	if err != nil {
		return false, nil, wrap("toggle-reaction", err)
	}
	return added, reactions, nil
}

// ListReactions returns all reactions on a message.
func (r *Repository) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	var reactions []domain.Reaction
	result := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC, id ASC").
		Find(&reactions)
	if result.Error != nil {
		return nil, wrap("list-reactions", result.Error)
	}
	return reactions, nil
}

// GetUser finds a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	result := r.db.WithContext(ctx).First(&user, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, wrap("get-user", result.Error)
	}
	return &user, nil
}

// UpsertUser inserts a user or refreshes its username.
func (r *Repository) UpsertUser(ctx context.Context, user *domain.User) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
	}).Create(user)
	return wrap("upsert-user", result.Error)
}

// UpdateUserStatus records a presence change.
func (r *Repository) UpdateUserStatus(ctx context.Context, id string, status domain.PresenceStatus, lastSeen time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    status,
			"last_seen": lastSeen,
		})
	if result.Error != nil {
		return wrap("update-user-status", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
