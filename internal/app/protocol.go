package app

import (
	"encoding/json"
	"time"
)

// PushRequest is a batch of client-originated mutations. Mutations carry
// their own clientId: a group may flush queues from several tabs in one
// batch, each in ascending mutation-id order.
type PushRequest struct {
	ClientGroupID string            `json:"clientGroupId"`
	Mutations     []PendingMutation `json:"mutations"`
}

type PendingMutation struct {
	ClientID string          `json:"clientId"`
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

type PushResponse struct {
	OK bool `json:"ok"`
}

// PullRequest asks for everything that changed since Cookie. A null cookie
// means "I have nothing": the response is the full live state.
type PullRequest struct {
	ClientGroupID string `json:"clientGroupId"`
	Cookie        *int64 `json:"cookie"`
}

type PullResponse struct {
	Cookie          int64            `json:"cookie"`
	LastMutationIDs map[string]int64 `json:"lastMutationIds"`
	Patch           []PatchOp        `json:"patch"`
}

type PatchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	patchOpPut = "put"
	patchOpDel = "del"
)

func noteKey(id string) string  { return "note/" + id }
func blockKey(id string) string { return "block/" + id }

// Patch values are what client replicas store verbatim under the key.

type noteValue struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	OwnerID   string    `json:"ownerId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type blockValue struct {
	ID        string          `json:"id"`
	NoteID    string          `json:"noteId"`
	Kind      string          `json:"kind"`
	Fields    json.RawMessage `json:"fields"`
	Order     float64         `json:"order"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
