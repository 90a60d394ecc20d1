package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent is one row of the security trail. ActorID is nil for anonymous
// callers such as a failed sign-in.
type AuditEvent struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ActorID   *int64         `gorm:"index:idx_audit_actor" json:"actorId,omitempty"`
	Action    string         `gorm:"size:48;index;not null" json:"action"`
	Detail    datatypes.JSON `json:"detail,omitempty"`
	Failure   string         `gorm:"type:text" json:"failure,omitempty"`
	ClientIP  string         `gorm:"size:45" json:"clientIp"`
	TraceID   string         `gorm:"size:64;index" json:"traceId"`
	LatencyMs int64          `json:"latencyMs"`
	At        time.Time      `gorm:"index;autoCreateTime:milli" json:"at"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// Failed reports whether the audited action was refused or errored.
func (e *AuditEvent) Failed() bool { return e.Failure != "" }
