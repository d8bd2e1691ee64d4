package store

import (
	"context"
	"errors"
	"strconv"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"snippetCollab/backend/internal/collab"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

// userRow 对应 auth-service 的 users 表，display_name/email 可为空
type userRow struct {
	ID          uint64
	Username    string
	DisplayName *string
	Email       *string
}

func (userRow) TableName() string { return "users" }

// UserDirectory resolves editors against the users table. A numeric userId
// is looked up by primary key, anything else by username.
type UserDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

func (d *UserDirectory) ResolveUser(ctx context.Context, userID string) (collab.UserProfile, error) {
	var row userRow
	q := d.db.WithContext(ctx)
	var err error
	if id, perr := strconv.ParseUint(userID, 10, 64); perr == nil {
		err = q.Where("id = ?", id).Take(&row).Error
	} else {
		err = q.Where("username = ?", userID).Take(&row).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.UserProfile{}, collab.ErrUserNotFound
		}
		return collab.UserProfile{}, err
	}

	p := collab.UserProfile{UserID: userID, DisplayName: row.Username}
	if row.DisplayName != nil && *row.DisplayName != "" {
		p.DisplayName = *row.DisplayName
	}
	if row.Email != nil {
		p.Email = *row.Email
	}
	return p, nil
}
