// Package models provides data model definitions for the mango-lens core.
package models

import "time"

// UserProfile is the locally cached profile for an owner. The dashboard
// reads it while offline; the remote system remains the source of truth.
type UserProfile struct {
	OwnerID   string `db:"owner_id" json:"owner_id"`
	Name      string `db:"name" json:"name"`
	Email     string `db:"email" json:"email"`
	Image     []byte `db:"image" json:"-"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for UserProfile.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// Touch updates the UpdatedAt timestamp.
func (p *UserProfile) Touch() {
	p.UpdatedAt = time.Now().Unix()
}
