package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated identity on the messaging network. The
// credential blob is the durable source of truth; live connections are a
// cache rebuilt from it.
type Session struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	IdentityKey string    `db:"identity_key" json:"identity_key"`
	OwnerID     uuid.UUID `db:"owner_id"     json:"owner_id"`
	Phone       string    `db:"phone"        json:"phone"`
	AppID       int       `db:"app_id"       json:"app_id"`
	AppHash     string    `db:"app_hash"     json:"-"`
	Credentials []byte    `db:"credentials"  json:"-"`
	Active      bool      `db:"active"       json:"active"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	LastUsedAt  time.Time `db:"last_used_at" json:"last_used_at"`
}

// SessionStatus is the caller-visible state of an owner's connection.
type SessionStatus struct {
	Connected    bool   `json:"connected"`
	Authorized   bool   `json:"authorized"`
	RemoteUserID *int64 `json:"remote_user_id,omitempty"`
}
