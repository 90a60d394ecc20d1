package model

import "time"

// Message types accepted by the message log.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageAudio = "audio"
	MessageVideo = "video"
	MessageFile  = "file"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageFile:
		return true
	}
	return false
}

// Message is one immutable entry of a two-party conversation. JSON keys
// follow the realtime wire format.
type Message struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Text       string    `gorm:"type:text" json:"text"`
	SenderID   int64     `gorm:"index:idx_msg_pair;not null" json:"senderId"`
	ReceiverID int64     `gorm:"index:idx_msg_pair;not null" json:"receiverId"`
	Timestamp  time.Time `gorm:"index;not null" json:"timestamp"`
	Type       string    `gorm:"size:16;not null" json:"type"`
	URL        string    `gorm:"size:512" json:"url"`
	Filename   string    `gorm:"size:255" json:"filename"`
}
