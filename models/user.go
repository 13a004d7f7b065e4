package models

import (
	"context"
	"errors"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleMember   UserRole = "M"
	UserRoleOperator UserRole = "O"
)

// User is a minimal account record. Authentication itself happens upstream;
// the backend only needs identity for code submissions and merge audit.
type User struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Username     string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Name         string    `gorm:"size:100" json:"name"`
	Email        string    `gorm:"size:255" json:"email"`
	PasswordHash string    `gorm:"size:100" json:"-"`
	Role         UserRole  `gorm:"type:enum('M','O');default:'M'" json:"role"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertOperator creates or refreshes an operator account. Used by the
// seed-operator command.
func UpsertOperator(ctx context.Context, username, name, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()

	var user User
	err = db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if err == gorm.ErrRecordNotFound {
		user = User{
			Username:     username,
			Name:         name,
			PasswordHash: string(hashed),
			Role:         UserRoleOperator,
			IsActive:     utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}

	if err := db.WithContext(ctx).Model(&user).Updates(map[string]interface{}{
		"Name":         name,
		"PasswordHash": string(hashed),
		"Role":         UserRoleOperator,
		"IsActive":     true,
	}).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
