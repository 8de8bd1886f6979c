package models

import (
	"time"

	"gorm.io/datatypes"
)

// Status eines OfflineRequest-Eintrags
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight" // von einem Replay-Durchlauf beansprucht
	StatusSynced   = "synced"
	StatusFailed   = "failed"
)

// Serialisierte Leerwerte für Payload und Anhänge
const (
	EmptyPayload     = "{}"
	EmptyAttachments = "[]"
)

// DefaultMethod wird verwendet, wenn beim Einreihen keine HTTP-Methode angegeben wurde
const DefaultMethod = "POST"

// OfflineRequest ist eine lokal entstandene Mutation, die später gegen den
// zentralen Server wiederholt werden muss.
type OfflineRequest struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Operation        string         `gorm:"index;not null" json:"operation"`
	APIPath          string         `gorm:"not null" json:"apiPath"`
	Method           string         `gorm:"not null;default:'POST'" json:"method"`
	Payload          string         `gorm:"type:text;not null" json:"payload"`
	AttachmentString string         `gorm:"type:text;not null" json:"attachmentString"`
	Attachments      datatypes.JSON `gorm:"type:json" json:"attachments"`
	Status           string         `gorm:"index;not null;default:'pending'" json:"status"`
	Error            string         `json:"error"`
	Token            string         `json:"-"` // Bearer-Token, wird unverändert weitergereicht
	GeneratedID      *string        `gorm:"index" json:"generatedId"`
	SkipCount        int            `gorm:"default:0" json:"skipCount"`
	ClaimedAt        *time.Time     `json:"claimedAt,omitempty"`
	CreatedAt        time.Time      `gorm:"index" json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// GeneratedIDValue liefert die lokal erzeugte ID oder einen leeren String.
func (r *OfflineRequest) GeneratedIDValue() string {
	if r.GeneratedID == nil {
		return ""
	}
	return *r.GeneratedID
}

// Attachment beschreibt eine Datei, die mit der ursprünglichen Anfrage hochgeladen wurde.
type Attachment struct {
	Path         string `json:"path"`
	FieldName    string `json:"fieldName"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
}

// QueueCounts enthält die Anzahl der Einträge je Status
type QueueCounts struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"inFlight"`
	Synced   int64 `json:"synced"`
	Failed   int64 `json:"failed"`
}

// Total summiert alle Status.
func (c QueueCounts) Total() int64 {
	return c.Pending + c.InFlight + c.Synced + c.Failed
}
