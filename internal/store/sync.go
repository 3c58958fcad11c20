package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is the transactional surface the sync engine works against. One Tx
// spans one push batch or one pull; mutators only ever see a Tx, so all
// their writes commit or roll back together.
type Tx interface {
	EnsureClientGroup(ctx context.Context, groupID, userID string) (ClientGroup, error)
	ClientForUpdate(ctx context.Context, clientID, groupID string) (Client, error)
	SetLastMutationID(ctx context.Context, clientID string, lastMutationID int64) error
	GroupCursors(ctx context.Context, groupID string) (map[string]int64, error)
	NextVersion(ctx context.Context) (int64, error)
	RecordMutationError(ctx context.Context, rec MutationError) error

	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error

	NoteExists(ctx context.Context, noteID string) (bool, error)
	GetNote(ctx context.Context, ownerID, noteID string) (Note, error)
	InsertNote(ctx context.Context, note Note) error
	UpdateNote(ctx context.Context, note Note) error
	NotesSince(ctx context.Context, ownerID string, version int64) ([]Note, error)

	BlockExists(ctx context.Context, blockID string) (bool, error)
	GetBlock(ctx context.Context, ownerID, blockID string) (Block, error)
	InsertBlock(ctx context.Context, block Block) error
	UpdateBlock(ctx context.Context, block Block) error
	LiveBlocksByNote(ctx context.Context, ownerID, noteID string) ([]Block, error)
	BlocksSince(ctx context.Context, ownerID string, version int64) ([]Block, error)
}

type pgTx struct {
	tx *sql.Tx
}

// EnsureClientGroup registers the group on first contact and verifies
// ownership on every later one.
func (t *pgTx) EnsureClientGroup(ctx context.Context, groupID, userID string) (ClientGroup, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO client_groups (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, groupID, userID)
	if err != nil {
		return ClientGroup{}, fmt.Errorf("ensure client group: %w", err)
	}

	var group ClientGroup
	err = t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, created_at FROM client_groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.UserID, &group.CreatedAt)
	if err != nil {
		return ClientGroup{}, fmt.Errorf("read client group: %w", err)
	}
	if group.UserID != userID {
		return ClientGroup{}, ErrGroupOwnership
	}
	return group, nil
}

// ClientForUpdate registers the client on first contact and locks its row
// for the rest of the transaction, serializing concurrent pushes from the
// same client.
func (t *pgTx) ClientForUpdate(ctx context.Context, clientID, groupID string) (Client, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO clients (id, client_group_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, clientID, groupID)
	if err != nil {
		return Client{}, fmt.Errorf("ensure client: %w", err)
	}

	var client Client
	err = t.tx.QueryRowContext(ctx, `
		SELECT id, client_group_id, last_mutation_id, updated_at
		FROM clients WHERE id = $1
		FOR UPDATE
	`, clientID).Scan(&client.ID, &client.ClientGroupID, &client.LastMutationID, &client.UpdatedAt)
	if err != nil {
		return Client{}, fmt.Errorf("read client: %w", err)
	}
	if client.ClientGroupID != groupID {
		return Client{}, ErrClientGroupMismatch
	}
	return client, nil
}

func (t *pgTx) SetLastMutationID(ctx context.Context, clientID string, lastMutationID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE clients SET last_mutation_id = $2, updated_at = NOW() WHERE id = $1
	`, clientID, lastMutationID)
	if err != nil {
		return fmt.Errorf("set last mutation id: %w", err)
	}
	return nil
}

func (t *pgTx) GroupCursors(ctx context.Context, groupID string) (map[string]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, last_mutation_id FROM clients WHERE client_group_id = $1
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group cursors: %w", err)
	}
	defer rows.Close()

	cursors := map[string]int64{}
	for rows.Next() {
		var id string
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, fmt.Errorf("scan group cursor: %w", err)
		}
		cursors[id] = last
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group cursors: %w", err)
	}
	return cursors, nil
}

// NextVersion bumps the global counter and returns the new value. The
// single-row update serializes writers, which is the point: versions are
// totally ordered.
func (t *pgTx) NextVersion(ctx context.Context) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE sync_version SET version = version + 1 RETURNING version
	`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump sync version: %w", err)
	}
	return version, nil
}

func (t *pgTx) RecordMutationError(ctx context.Context, rec MutationError) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mutation_errors (client_id, mutation_id, name, error)
		VALUES ($1, $2, $3, $4)
	`, rec.ClientID, rec.MutationID, rec.Name, rec.Error)
	if err != nil {
		return fmt.Errorf("record mutation error: %w", err)
	}
	return nil
}

// Savepoint names come from the push loop, never from request data.

func (t *pgTx) Savepoint(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

func (t *pgTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

func (t *pgTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	return nil
}

func (t *pgTx) NoteExists(ctx context.Context, noteID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notes WHERE id = $1)`, noteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check note exists: %w", err)
	}
	return exists, nil
}

// GetNote returns the caller's live note. Tombstoned, missing and
// foreign-owned ids all read as ErrNotFound.
func (t *pgTx) GetNote(ctx context.Context, ownerID, noteID string) (Note, error) {
	var note Note
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, content, deleted, version, created_at, updated_at
		FROM notes WHERE id = $1 AND owner_id = $2 AND NOT deleted
	`, noteID, ownerID).Scan(&note.ID, &note.OwnerID, &note.Title, &note.Content, &note.Deleted, &note.Version, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("read note: %w", err)
	}
	return note, nil
}

func (t *pgTx) InsertNote(ctx context.Context, note Note) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, title, content, deleted, version)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, note.ID, note.OwnerID, note.Title, note.Content, note.Version)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateNote(ctx context.Context, note Note) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE notes SET title = $2, content = $3, deleted = $4, version = $5, updated_at = NOW()
		WHERE id = $1
	`, note.ID, note.Title, note.Content, note.Deleted, note.Version)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return nil
}

func (t *pgTx) NotesSince(ctx context.Context, ownerID string, version int64) ([]Note, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, owner_id, title, content, deleted, version, created_at, updated_at
		FROM notes WHERE owner_id = $1 AND version > $2
		ORDER BY version
	`, ownerID, version)
	if err != nil {
		return nil, fmt.Errorf("list changed notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.OwnerID, &note.Title, &note.Content, &note.Deleted, &note.Version, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan changed note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changed notes: %w", err)
	}
	return notes, nil
}

func (t *pgTx) BlockExists(ctx context.Context, blockID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE id = $1)`, blockID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check block exists: %w", err)
	}
	return exists, nil
}

func (t *pgTx) GetBlock(ctx context.Context, ownerID, blockID string) (Block, error) {
	var block Block
	var fields []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, note_id, owner_id, kind, fields, sort_order, deleted, version, created_at, updated_at
		FROM blocks WHERE id = $1 AND owner_id = $2 AND NOT deleted
	`, blockID, ownerID).Scan(&block.ID, &block.NoteID, &block.OwnerID, &block.Kind, &fields, &block.SortOrder, &block.Deleted, &block.Version, &block.CreatedAt, &block.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, ErrNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("read block: %w", err)
	}
	block.Fields = fields
	return block, nil
}

func (t *pgTx) InsertBlock(ctx context.Context, block Block) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO blocks (id, note_id, owner_id, kind, fields, sort_order, deleted, version)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, FALSE, $7)
	`, block.ID, block.NoteID, block.OwnerID, block.Kind, string(block.Fields), block.SortOrder, block.Version)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBlock(ctx context.Context, block Block) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE blocks SET kind = $2, fields = $3::jsonb, sort_order = $4, deleted = $5, version = $6, updated_at = NOW()
		WHERE id = $1
	`, block.ID, block.Kind, string(block.Fields), block.SortOrder, block.Deleted, block.Version)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	return nil
}

func (t *pgTx) LiveBlocksByNote(ctx context.Context, ownerID, noteID string) ([]Block, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, note_id, owner_id, kind, fields, sort_order, deleted, version, created_at, updated_at
		FROM blocks WHERE note_id = $1 AND owner_id = $2 AND NOT deleted
		ORDER BY sort_order
	`, noteID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list note blocks: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

func (t *pgTx) BlocksSince(ctx context.Context, ownerID string, version int64) ([]Block, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, note_id, owner_id, kind, fields, sort_order, deleted, version, created_at, updated_at
		FROM blocks WHERE owner_id = $1 AND version > $2
		ORDER BY version
	`, ownerID, version)
	if err != nil {
		return nil, fmt.Errorf("list changed blocks: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

func scanBlocks(rows *sql.Rows) ([]Block, error) {
	var blocks []Block
	for rows.Next() {
		var block Block
		var fields []byte
		if err := rows.Scan(&block.ID, &block.NoteID, &block.OwnerID, &block.Kind, &fields, &block.SortOrder, &block.Deleted, &block.Version, &block.CreatedAt, &block.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		block.Fields = fields
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}
