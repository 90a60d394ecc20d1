package model

import "time"

// Upload records who stored a file so only they can remove it.
type Upload struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	UploaderID   int64     `gorm:"index;not null" json:"uploaderId"`
	OriginalName string    `gorm:"size:255" json:"originalName"`
	Kind         string    `gorm:"size:16;not null" json:"kind"`
	Bytes        int64     `json:"bytes"`
	CreatedAt    time.Time `json:"createdAt"`
}
