// Package approval freezes a draft's plan and locks the draft behind a
// content-addressed approval record.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/localflowhq/localflow/internal/canon"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/storage"
)

// Service implements the plan upsert and the approve transition.
type Service struct {
	stores storage.StoreSet
}

// NewService wires the approval service to its stores.
func NewService(stores storage.StoreSet) *Service {
	return &Service{stores: stores}
}

// UpsertToolPlan canonicalises planObj and attaches it to the draft,
// replacing any existing plan. The draft must still be DRAFTING.
func (s *Service) UpsertToolPlan(ctx context.Context, draftID string, planObj any) (*domain.ToolPlan, error) {
	draft, err := s.stores.Drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftStatusDrafting {
		return nil, domain.Conflict("Draft is locked")
	}

	canonical, err := canon.Canonicalize(planObj)
	if err != nil {
		return nil, fmt.Errorf("canonicalise tool plan: %w", err)
	}

	plan := &domain.ToolPlan{
		ID:            uuid.NewString(),
		DraftID:       draft.ID,
		JSONCanonical: string(canonical),
		ContentHash:   canon.HashBytes(canonical),
	}
	if err := s.stores.ToolPlans.Upsert(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Approve hashes the draft content and its frozen plan, writes the
// approval row, and flips the draft to APPROVED_LOCKED in one transaction.
func (s *Service) Approve(ctx context.Context, draftID string) (*domain.Approval, error) {
	// Everything the approval row hashes is read under the same
	// transaction that flips the status, so a concurrent draft update
	// can never freeze stale hashes, and two racing approves cannot
	// both lock the same draft.
	var approval *domain.Approval
	err := s.stores.Tx(ctx, func(tx storage.StoreSet) error {
		draft, err := tx.Drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.Status != domain.DraftStatusDrafting {
			return domain.Conflict("Draft already locked")
		}

		var planHash *string
		plan, err := tx.ToolPlans.GetByDraft(ctx, draftID)
		switch {
		case err == nil:
			h := plan.ContentHash
			planHash = &h
		case errors.Is(err, domain.ErrNotFound):
			// Draft-only approval; toolplan_hash stays null.
		default:
			return err
		}

		approval = &domain.Approval{
			ID:           uuid.NewString(),
			DraftID:      draft.ID,
			DraftHash:    canon.HashText(draft.Content),
			ToolPlanHash: planHash,
		}
		if err := tx.Approvals.Create(ctx, approval); err != nil {
			return err
		}
		draft.Status = domain.DraftStatusLocked
		return tx.Drafts.Update(ctx, draft)
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}
