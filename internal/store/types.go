package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("message not found")

// Config configures the SQLite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// HistoryEntry is one recorded status transition. Per message, histories
// hold at most one entry per distinct status value; the first write for a
// status wins.
type HistoryEntry struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // epoch seconds
}

// Message is the persisted delivery record. Optional string fields are
// empty when unset and stored as SQL NULL.
type Message struct {
	ID                 string          `json:"id"`
	BatchCode          string          `json:"batchCode,omitempty"`
	JobID              string          `json:"jobId,omitempty"`
	TransportMessageID string          `json:"transportMessageId,omitempty"`
	Receiver           string          `json:"receiver"`
	JID                string          `json:"jid,omitempty"`
	Payload            json.RawMessage `json:"message,omitempty"`
	Schedule           *time.Time      `json:"schedule,omitempty"`
	Status             string          `json:"status,omitempty"`
	FailReason         string          `json:"failReason,omitempty"`
	Histories          []HistoryEntry  `json:"histories"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Filter selects a single message. All set fields must match.
type Filter struct {
	ID                 string
	JobID              string
	TransportMessageID string
}

// IsZero reports whether the filter matches nothing on purpose.
func (f Filter) IsZero() bool {
	return f.ID == "" && f.JobID == "" && f.TransportMessageID == ""
}

// Update is a partial mutation. Nil pointers leave the column untouched.
// Histories == nil leaves the history list untouched; an empty non-nil
// slice clears it.
type Update struct {
	TransportMessageID *string
	JID                *string
	Status             *string
	FailReason         *string
	Histories          []HistoryEntry
}

// ListQuery drives the paginated listing. Search matches receiver, jid and
// status as a substring. Page is 1-based.
type ListQuery struct {
	Search    string
	BatchCode string
	Status    string
	Page      int
	Size      int
}

// PageInfo is the pagination metadata returned with a listing.
type PageInfo struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}
