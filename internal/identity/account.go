package identity

import (
	"strings"
	"time"
)

// Account is a registered email/password login.
type Account struct {
	UID          string    `gorm:"column:uid;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	LastSignInAt time.Time `gorm:"column:last_sign_in_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Credentials are the email/password pair supplied to sign-in and sign-up.
type Credentials struct {
	Email    string
	Password string
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
