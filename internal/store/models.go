package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// ClientGroup is one replica of a user's data: a browser profile or device.
// All clients in a group share one local store and one cookie.
type ClientGroup struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Client is one tab or process inside a group. LastMutationID is the
// server-side cursor into that client's mutation stream.
type Client struct {
	ID             string
	ClientGroupID  string
	LastMutationID int64
	UpdatedAt      time.Time
}

type Note struct {
	ID        string
	OwnerID   string
	Title     string
	Content   string
	Deleted   bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Block struct {
	ID        string
	NoteID    string
	OwnerID   string
	Kind      string
	Fields    json.RawMessage
	SortOrder float64
	Deleted   bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MutationError records a mutation that failed terminally. The client's
// cursor advances past it, so the row is the only trace left.
type MutationError struct {
	ClientID   string
	MutationID int64
	Name       string
	Error      string
}
