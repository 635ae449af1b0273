package mysql

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/chatgateway/internal/datamodels/chat"
)

type roomRepo struct {
	db *gorm.DB
}

// NewRoomRepository 创建会话仓储
func NewRoomRepository(db *gorm.DB) chat.RoomRepository {
	return &roomRepo{db: db}
}

func (r *roomRepo) GetByID(ctx context.Context, id string) (*chat.Room, error) {
	var room chat.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, storeErr(err)
	}
	return &room, nil
}

func (r *roomRepo) FindDirect(ctx context.Context, user1ID, user2ID string) (*chat.Room, error) {
	var room chat.Room
	err := r.db.WithContext(ctx).
		Where("type = ? AND user1_id = ? AND user2_id = ?", chat.RoomDirect, user1ID, user2ID).
		First(&room).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return &room, nil
}

func (r *roomRepo) FindByCall(ctx context.Context, callID string) (*chat.Room, error) {
	var room chat.Room
	err := r.db.WithContext(ctx).
		Where("type = ? AND call_id = ?", chat.RoomCall, callID).
		First(&room).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return &room, nil
}

func (r *roomRepo) CreateIfAbsent(ctx context.Context, room *chat.Room) (bool, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	// 唯一键冲突时什么都不做，由调用方重新查询拿到胜出的那一行
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(room)
	if res.Error != nil {
		return false, storeErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *roomRepo) ListByUser(ctx context.Context, userID string) ([]*chat.Room, error) {
	var list []*chat.Room
	err := r.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

func (r *roomRepo) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&chat.Room{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, storeErr(err)
	}
	return ids, nil
}
