package model

import "time"

// User is a registered account together with its profile, settings and
// last reported location.
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:80;not null" json:"username"`
	Email        string    `gorm:"uniqueIndex;size:120;not null" json:"email"`
	PasswordHash string    `gorm:"size:200;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`

	AvatarURL string `gorm:"size:512" json:"avatar_url"`
	About     string `gorm:"size:500" json:"about"`

	LastLat        *float64   `json:"last_lat,omitempty"`
	LastLon        *float64   `json:"last_lon,omitempty"`
	LastLocationTS *time.Time `gorm:"column:last_location_ts;index" json:"last_location_ts,omitempty"`

	// No gorm defaults on the flags: a false value must be written as false.
	IsVisibleNearby bool `gorm:"not null" json:"is_visible_nearby"`
	LastSeenVisible bool `gorm:"not null" json:"last_seen_visible"`
	Notifications   bool `gorm:"not null" json:"notifications"`
	DarkMode        bool `gorm:"not null" json:"dark_mode"`
}

// PublicUser is what other users get to see.
type PublicUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	About     string `json:"about"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
		About:     u.About,
	}
}
