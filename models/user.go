package models

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus represents whether a user may log in
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is a directory entry used to authenticate logins
type User struct {
	ID           uuid.UUID  `json:"id" db:"id" yaml:"id"`
	Username     string     `json:"username" db:"username" yaml:"username"`
	Email        string     `json:"email" db:"email" yaml:"email"`
	PasswordHash string     `json:"-" db:"password_hash" yaml:"password_hash"`
	Roles        []string   `json:"roles" db:"roles" yaml:"roles"`
	Status       UserStatus `json:"status" db:"status" yaml:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at" yaml:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at" yaml:"-"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new active User instance
func NewUser(username, email, passwordHash string, roles []string) *User {
	now := time.Now()
	return &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        roles,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsActive returns true if the user may log in
func (u *User) IsActive() bool {
	return u.Status == "" || u.Status == UserStatusActive
}
