package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"driftpad/api/internal/store"
)

// mutatorFunc applies one client mutation inside the push transaction.
// version is the global version already bumped for this mutation; every row
// the mutator writes must be stamped with it. Ownership comes from the
// authenticated session, never from args. A returned *DomainError is
// terminal: the mutation's writes are rolled back, the failure is recorded,
// and the client's cursor moves past it. Any other error aborts the batch.
type mutatorFunc func(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error

var mutators = map[string]mutatorFunc{
	"createNote":  createNote,
	"updateNote":  updateNote,
	"deleteNote":  deleteNote,
	"createBlock": createBlock,
	"updateBlock": updateBlock,
	"deleteBlock": deleteBlock,
}

func unmarshalArgs(args json.RawMessage, target any) error {
	if len(args) == 0 {
		return invalidRequest("args are required")
	}
	if err := json.Unmarshal(args, target); err != nil {
		return invalidRequest("malformed args: " + err.Error())
	}
	return nil
}

type createNoteArgs struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func createNote(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in createNoteArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	// Ids are never recycled, so a tombstoned id conflicts too.
	exists, err := tx.NoteExists(ctx, in.ID)
	if err != nil {
		return err
	}
	if exists {
		return conflictError(fmt.Sprintf("note %s already exists", in.ID))
	}
	return tx.InsertNote(ctx, store.Note{
		ID:      in.ID,
		OwnerID: userID,
		Title:   in.Title,
		Content: in.Content,
		Version: version,
	})
}

type updateNoteArgs struct {
	ID      string  `json:"id"`
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func updateNote(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in updateNoteArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	note, err := tx.GetNote(ctx, userID, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(fmt.Sprintf("note %s not found", in.ID))
	}
	if err != nil {
		return err
	}
	if in.Title != nil {
		note.Title = *in.Title
	}
	if in.Content != nil {
		note.Content = *in.Content
	}
	note.Version = version
	return tx.UpdateNote(ctx, note)
}

type deleteNoteArgs struct {
	ID string `json:"id"`
}

func deleteNote(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in deleteNoteArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	note, err := tx.GetNote(ctx, userID, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(fmt.Sprintf("note %s not found", in.ID))
	}
	if err != nil {
		return err
	}

	// Orphaned blocks would never reach pulling clients as deletions, so
	// the note's live blocks tombstone along with it.
	blocks, err := tx.LiveBlocksByNote(ctx, userID, note.ID)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		block.Deleted = true
		block.Version = version
		if err := tx.UpdateBlock(ctx, block); err != nil {
			return err
		}
	}

	note.Deleted = true
	note.Version = version
	return tx.UpdateNote(ctx, note)
}

type createBlockArgs struct {
	ID     string          `json:"id"`
	NoteID string          `json:"noteId"`
	Kind   string          `json:"kind"`
	Fields json.RawMessage `json:"fields"`
	Order  float64         `json:"order"`
}

func createBlock(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in createBlockArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	if strings.TrimSpace(in.NoteID) == "" {
		return invalidRequest("noteId is required")
	}
	exists, err := tx.BlockExists(ctx, in.ID)
	if err != nil {
		return err
	}
	if exists {
		return conflictError(fmt.Sprintf("block %s already exists", in.ID))
	}
	if _, err := tx.GetNote(ctx, userID, in.NoteID); errors.Is(err, store.ErrNotFound) {
		return notFoundError(fmt.Sprintf("note %s not found", in.NoteID))
	} else if err != nil {
		return err
	}

	fields := json.RawMessage(`{}`)
	if len(in.Fields) > 0 {
		if err := validateObject(in.Fields); err != nil {
			return err
		}
		fields = in.Fields
	}
	kind := in.Kind
	if kind == "" {
		kind = "text"
	}
	return tx.InsertBlock(ctx, store.Block{
		ID:        in.ID,
		NoteID:    in.NoteID,
		OwnerID:   userID,
		Kind:      kind,
		Fields:    fields,
		SortOrder: in.Order,
		Version:   version,
	})
}

type updateBlockArgs struct {
	ID     string          `json:"id"`
	Kind   *string         `json:"kind"`
	Order  *float64        `json:"order"`
	Fields json.RawMessage `json:"fields"`
}

func updateBlock(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in updateBlockArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	block, err := tx.GetBlock(ctx, userID, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(fmt.Sprintf("block %s not found", in.ID))
	}
	if err != nil {
		return err
	}
	if in.Kind != nil {
		block.Kind = *in.Kind
	}
	if in.Order != nil {
		block.SortOrder = *in.Order
	}
	if len(in.Fields) > 0 {
		merged, err := mergeFields(block.Fields, in.Fields)
		if err != nil {
			return err
		}
		block.Fields = merged
	}
	block.Version = version
	return tx.UpdateBlock(ctx, block)
}

type deleteBlockArgs struct {
	ID string `json:"id"`
}

func deleteBlock(ctx context.Context, tx store.Tx, userID string, version int64, args json.RawMessage) error {
	var in deleteBlockArgs
	if err := unmarshalArgs(args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.ID) == "" {
		return invalidRequest("id is required")
	}
	block, err := tx.GetBlock(ctx, userID, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(fmt.Sprintf("block %s not found", in.ID))
	}
	if err != nil {
		return err
	}
	block.Deleted = true
	block.Version = version
	return tx.UpdateBlock(ctx, block)
}

func validateObject(raw json.RawMessage) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return invalidRequest("fields must be a JSON object")
	}
	return nil
}

// mergeFields lays patch over current, key by key. A null patch value
// clears the field.
func mergeFields(current, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("decode stored fields: %w", err)
		}
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, invalidRequest("fields must be a JSON object")
	}
	for key, value := range overlay {
		if string(value) == "null" {
			delete(base, key)
			continue
		}
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode merged fields: %w", err)
	}
	return merged, nil
}
