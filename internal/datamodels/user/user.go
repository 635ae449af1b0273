package user

import (
	"context"
	"time"
)

// User 用户资料（展示名、头像），身份由外部签发，这里只保存展示属性
type User struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Username    string    `gorm:"size:64;index" json:"username"`
	DisplayName string    `gorm:"size:128" json:"displayName,omitempty"`
	AvatarURL   string    `gorm:"size:255" json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Repository 用户资料仓储接口
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	ListByIDs(ctx context.Context, ids []string) ([]*User, error)
	Save(ctx context.Context, u *User) error
}
