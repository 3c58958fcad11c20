package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"driftpad/api/internal/store"
)

// Pull computes the patch that brings a client group from its cookie to the
// current state: every row of the caller's with version > cookie, live rows
// as puts, tombstones as dels. The new cookie is the highest version in the
// read set, or the request cookie unchanged when nothing changed.
func (s *Service) Pull(ctx context.Context, session Session, req PullRequest) (PullResponse, error) {
	if strings.TrimSpace(req.ClientGroupID) == "" {
		return PullResponse{}, invalidRequest("clientGroupId is required")
	}
	var base int64
	if req.Cookie != nil {
		if *req.Cookie < 0 {
			return PullResponse{}, invalidRequest("cookie must be >= 0")
		}
		base = *req.Cookie
	}

	var resp PullResponse
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		resp = PullResponse{Cookie: base, LastMutationIDs: map[string]int64{}, Patch: []PatchOp{}}

		// First contact from a group may be a pull, so registration
		// happens here too.
		if _, err := tx.EnsureClientGroup(ctx, req.ClientGroupID, session.UserID); err != nil {
			return err
		}
		cursors, err := tx.GroupCursors(ctx, req.ClientGroupID)
		if err != nil {
			return err
		}
		resp.LastMutationIDs = cursors

		notes, err := tx.NotesSince(ctx, session.UserID, base)
		if err != nil {
			return err
		}
		blocks, err := tx.BlocksSince(ctx, session.UserID, base)
		if err != nil {
			return err
		}

		for _, note := range notes {
			op, err := notePatchOp(note)
			if err != nil {
				return err
			}
			resp.Patch = append(resp.Patch, op)
			if note.Version > resp.Cookie {
				resp.Cookie = note.Version
			}
		}
		for _, block := range blocks {
			op, err := blockPatchOp(block)
			if err != nil {
				return err
			}
			resp.Patch = append(resp.Patch, op)
			if block.Version > resp.Cookie {
				resp.Cookie = block.Version
			}
		}
		return nil
	})
	if err != nil {
		return PullResponse{}, err
	}

	s.logger.DebugContext(ctx, "pull processed",
		"client_group_id", req.ClientGroupID,
		"cookie", base,
		"new_cookie", resp.Cookie,
		"patch_ops", len(resp.Patch),
	)
	return resp, nil
}

func notePatchOp(note store.Note) (PatchOp, error) {
	if note.Deleted {
		return PatchOp{Op: patchOpDel, Key: noteKey(note.ID)}, nil
	}
	value, err := json.Marshal(noteValue{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		OwnerID:   note.OwnerID,
		UpdatedAt: note.UpdatedAt,
	})
	if err != nil {
		return PatchOp{}, fmt.Errorf("encode note %s: %w", note.ID, err)
	}
	return PatchOp{Op: patchOpPut, Key: noteKey(note.ID), Value: value}, nil
}

func blockPatchOp(block store.Block) (PatchOp, error) {
	if block.Deleted {
		return PatchOp{Op: patchOpDel, Key: blockKey(block.ID)}, nil
	}
	fields := block.Fields
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	value, err := json.Marshal(blockValue{
		ID:        block.ID,
		NoteID:    block.NoteID,
		Kind:      block.Kind,
		Fields:    fields,
		Order:     block.SortOrder,
		UpdatedAt: block.UpdatedAt,
	})
	if err != nil {
		return PatchOp{}, fmt.Errorf("encode block %s: %w", block.ID, err)
	}
	return PatchOp{Op: patchOpPut, Key: blockKey(block.ID), Value: value}, nil
}
