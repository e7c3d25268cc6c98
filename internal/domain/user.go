package domain

import "time"

// User is an account allowed to drive the queue API. Registration is gated
// by a shared secret, so users are operator-created rather than public.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WithoutSecrets returns a copy of the user with credential material
// stripped, safe to hand back to API clients.
func (u *User) WithoutSecrets() *User {
	if u == nil {
		return nil
	}
	return &User{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
