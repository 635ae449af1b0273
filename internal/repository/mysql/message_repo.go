package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/chatgateway/internal/datamodels/chat"
)

// createAttempts 序号唯一键冲突时的重试次数（多进程并发写同一会话）
const createAttempts = 3

// errSequenceMoved 条件更新未命中，说明计数器已被其它写入推进
var errSequenceMoved = errors.New("room sequence moved")

type messageRepo struct {
	db *gorm.DB
}

// NewMessageRepository 创建消息仓储
func NewMessageRepository(db *gorm.DB) chat.MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) Create(ctx context.Context, m *chat.Message, preview string) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = chat.DefaultMessageType
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		err = r.createOnce(ctx, m, preview)
		if err == nil || !(errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, errSequenceMoved)) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errSequenceMoved) {
			return fmt.Errorf("%w: %v", chat.ErrConflict, err)
		}
		return storeErr(err)
	}
	m.ReadBy = []string{m.SenderID}
	return nil
}

// createOnce 行锁读取计数器 -> 写消息 -> 写发送者已读 -> 条件推进计数器，全部在一个事务内
func (r *messageRepo) createOnce(ctx context.Context, m *chat.Message, preview string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room chat.Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&room, "id = ?", m.RoomID).Error; err != nil {
			return err
		}

		m.SequenceID = room.LastSequenceID + 1
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if err := tx.Create(&chat.MessageRead{
			MessageID: m.ID,
			UserID:    m.SenderID,
			ReadAt:    m.CreatedAt,
		}).Error; err != nil {
			return err
		}

		res := tx.Model(&chat.Room{}).
			Where("id = ? AND last_sequence_id = ?", room.ID, room.LastSequenceID).
			Updates(map[string]interface{}{
				"last_sequence_id":  m.SequenceID,
				"last_message_at":   m.CreatedAt,
				"last_message_text": preview,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSequenceMoved
		}
		return nil
	})
}

func (r *messageRepo) ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]*chat.Message, error) {
	var list []*chat.Message
	q := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sequence_id DESC").
		Limit(limit)
	if beforeSeq > 0 {
		q = q.Where("sequence_id < ?", beforeSeq)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, storeErr(err)
	}
	if err := r.attachReadBy(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *messageRepo) Latest(ctx context.Context, roomID string) (*chat.Message, error) {
	var list []*chat.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sequence_id DESC").
		Limit(1).
		Find(&list).Error
	if err != nil {
		return nil, storeErr(err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	if err := r.attachReadBy(ctx, list); err != nil {
		return nil, err
	}
	return list[0], nil
}

// attachReadBy 批量加载已读用户集合
func (r *messageRepo) attachReadBy(ctx context.Context, list []*chat.Message) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, 0, len(list))
	byID := make(map[string]*chat.Message, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
		byID[m.ID] = m
		m.ReadBy = []string{}
	}

	var reads []*chat.MessageRead
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("read_at ASC").
		Find(&reads).Error
	if err != nil {
		return storeErr(err)
	}
	for _, rd := range reads {
		if m, ok := byID[rd.MessageID]; ok {
			m.ReadBy = append(m.ReadBy, rd.UserID)
		}
	}
	return nil
}

const markReadSQL = `INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, ?, ? FROM messages m
WHERE m.room_id = ? AND m.sequence_id <= ?
AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`

func (r *messageRepo) MarkRead(ctx context.Context, roomID, userID string, upToSeq int64) (int64, error) {
	var res *gorm.DB
	for attempt := 0; attempt < 2; attempt++ {
		res = r.db.WithContext(ctx).Exec(markReadSQL, userID, time.Now(), roomID, upToSeq, userID)
		// 同一用户并发标记时可能撞主键，重跑一次即可补齐剩余部分
		if !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if res.Error != nil {
		return 0, storeErr(res.Error)
	}
	return res.RowsAffected, nil
}

func (r *messageRepo) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	readByUser := r.db.Table("message_reads").
		Select("1").
		Where("message_reads.message_id = messages.id AND message_reads.user_id = ?", userID)

	var n int64
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("room_id = ? AND sender_id <> ?", roomID, userID).
		Where("NOT EXISTS (?)", readByUser).
		Count(&n).Error
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (r *messageRepo) DeleteAllButLast(ctx context.Context, roomID string, keepLast int) (int64, error) {
	if keepLast < 0 {
		return 0, fmt.Errorf("%w: keepLast must not be negative", chat.ErrValidation)
	}

	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 第 keepLast+1 新的消息即为需要删除的最大序号
		var cutoff []int64
		if err := tx.Model(&chat.Message{}).
			Where("room_id = ?", roomID).
			Order("sequence_id DESC").
			Offset(keepLast).
			Limit(1).
			Pluck("sequence_id", &cutoff).Error; err != nil {
			return err
		}
		if len(cutoff) == 0 {
			return nil
		}

		doomed := tx.Model(&chat.Message{}).
			Select("id").
			Where("room_id = ? AND sequence_id <= ?", roomID, cutoff[0])
		if err := tx.Where("message_id IN (?)", doomed).Delete(&chat.MessageRead{}).Error; err != nil {
			return err
		}

		res := tx.Where("room_id = ? AND sequence_id <= ?", roomID, cutoff[0]).Delete(&chat.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, storeErr(err)
	}
	return deleted, nil
}
