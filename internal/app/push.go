package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"driftpad/api/internal/store"
)

const (
	pushMaxRetries = 3
	pushRetryBase  = 50 * time.Millisecond
)

type pushOutcome struct {
	applied int
	skipped int
	errored int
	gapped  bool
}

// Push applies a batch of mutations exactly once each. The whole batch runs
// in one transaction, so a concurrent pull sees either none or all of its
// committed effects. The response is success whenever batch processing ran
// to completion; individual mutator failures are recorded, not surfaced.
func (s *Service) Push(ctx context.Context, session Session, req PushRequest) error {
	if strings.TrimSpace(req.ClientGroupID) == "" {
		return invalidRequest("clientGroupId is required")
	}
	for i, m := range req.Mutations {
		if strings.TrimSpace(m.ClientID) == "" {
			return invalidRequest(fmt.Sprintf("mutations[%d]: clientId is required", i))
		}
		if m.ID < 1 {
			return invalidRequest(fmt.Sprintf("mutations[%d]: id must be >= 1", i))
		}
		if m.Name == "" {
			return invalidRequest(fmt.Sprintf("mutations[%d]: name is required", i))
		}
	}

	// Transient database failures retry the whole batch. Safe: replayed
	// mutations are skipped by the cursor check.
	var outcome pushOutcome
	backoff := retry.WithMaxRetries(pushMaxRetries, retry.NewExponential(pushRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		outcome, err = s.pushBatch(ctx, session, req)
		if err != nil && store.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "push processed",
		"client_group_id", req.ClientGroupID,
		"mutations", len(req.Mutations),
		"applied", outcome.applied,
		"skipped", outcome.skipped,
		"errored", outcome.errored,
		"gapped", outcome.gapped,
	)

	if outcome.applied > 0 {
		s.poker.Poke(ctx, session.UserID)
	}
	return nil
}

func (s *Service) pushBatch(ctx context.Context, session Session, req PushRequest) (pushOutcome, error) {
	var outcome pushOutcome
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		outcome = pushOutcome{}
		if _, err := tx.EnsureClientGroup(ctx, req.ClientGroupID, session.UserID); err != nil {
			return err
		}
		for i, m := range req.Mutations {
			client, err := tx.ClientForUpdate(ctx, m.ClientID, req.ClientGroupID)
			if err != nil {
				return err
			}
			if m.ID <= client.LastMutationID {
				// Replay of an already-applied mutation.
				outcome.skipped++
				continue
			}
			if m.ID > client.LastMutationID+1 {
				// A mutation is missing from the stream. Stop here; the
				// prefix that applied commits, the client re-pushes the rest.
				s.logger.WarnContext(ctx, "mutation gap, batch stopped",
					"client_id", m.ClientID,
					"mutation_id", m.ID,
					"cursor", client.LastMutationID,
				)
				outcome.gapped = true
				break
			}
			if err := s.applyOne(ctx, tx, session.UserID, i, m, &outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pushOutcome{}, err
	}
	return outcome, nil
}

// applyOne runs a single mutation under a savepoint and advances the
// client's cursor whatever the mutator's outcome. Terminal failures roll
// back to the savepoint, so the version bump and any partial writes vanish
// while the error record and the cursor advance survive.
func (s *Service) applyOne(ctx context.Context, tx store.Tx, userID string, index int, m PendingMutation, outcome *pushOutcome) error {
	savepoint := fmt.Sprintf("m%d", index)
	if err := tx.Savepoint(ctx, savepoint); err != nil {
		return err
	}

	applyErr := s.applyMutation(ctx, tx, userID, m)
	if applyErr != nil {
		var domainErr *DomainError
		if !errors.As(applyErr, &domainErr) {
			return applyErr
		}
		if err := tx.RollbackToSavepoint(ctx, savepoint); err != nil {
			return err
		}
		if err := tx.RecordMutationError(ctx, store.MutationError{
			ClientID:   m.ClientID,
			MutationID: m.ID,
			Name:       m.Name,
			Error:      domainErr.Error(),
		}); err != nil {
			return err
		}
		s.logger.WarnContext(ctx, "mutation failed",
			"client_id", m.ClientID,
			"mutation_id", m.ID,
			"name", m.Name,
			"error", domainErr.Error(),
		)
		outcome.errored++
	} else {
		if err := tx.ReleaseSavepoint(ctx, savepoint); err != nil {
			return err
		}
		outcome.applied++
	}

	return tx.SetLastMutationID(ctx, m.ClientID, m.ID)
}

func (s *Service) applyMutation(ctx context.Context, tx store.Tx, userID string, m PendingMutation) error {
	mutator, ok := mutators[m.Name]
	if !ok {
		// Terminal: skipping without advancing would wedge the client's
		// queue on every later push.
		return invalidRequest(fmt.Sprintf("unknown mutator %q", m.Name))
	}
	version, err := tx.NextVersion(ctx)
	if err != nil {
		return err
	}
	return mutator(ctx, tx, userID, version, m.Args)
}
