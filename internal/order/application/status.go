package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	"github.com/petalpoint/ordercore/internal/storage"
)

// UpdateRequest is a raw partial update as received from a caller. Nil
// fields are not touched; non-nil fields are normalized before use.
type UpdateRequest struct {
	Status        *string
	PaymentStatus *string
	PrepStatus    *string
	AdminNote     *string
}

// BulkError reports one order that a bulk patch could not update.
type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Updated int         `json:"updated"`
	Errors  []BulkError `json:"errors"`
}

func normalizePatch(req UpdateRequest) (orderdom.Patch, error) {
	var p orderdom.Patch
	if req.Status != nil {
		st, ok := orderdom.NormalizeStatus(*req.Status)
		if !ok {
			return p, fmt.Errorf("%w: status %q", ErrInvalidStatus, *req.Status)
		}
		p.Status = &st
	}
	if req.PaymentStatus != nil {
		ps, ok := orderdom.NormalizePaymentStatus(*req.PaymentStatus)
		if !ok {
			return p, fmt.Errorf("%w: payment_status %q", ErrInvalidStatus, *req.PaymentStatus)
		}
		p.PaymentStatus = &ps
	}
	if req.PrepStatus != nil {
		pr, ok := orderdom.NormalizePrepStatus(*req.PrepStatus)
		if !ok {
			return p, fmt.Errorf("%w: prep_status %q", ErrInvalidStatus, *req.PrepStatus)
		}
		p.PrepStatus = &pr
	}
	if req.AdminNote != nil {
		note := strings.TrimSpace(*req.AdminNote)
		p.AdminNote = &note
	}
	if p.Empty() {
		return p, ErrEmptyPatch
	}
	return p, nil
}

// Update applies one normalized patch to an order. When the patch sets
// payment_status without an explicit status, the legacy status is
// derived from the row read inside the same transaction, so a
// concurrent terminal-status change is never overwritten.
func (s *Service) Update(ctx context.Context, orderID string, req UpdateRequest) (orderdom.Order, error) {
	patch, err := normalizePatch(req)
	if err != nil {
		return orderdom.Order{}, err
	}

	var updated orderdom.Order
	err = s.store.ExecTx(ctx, func(tx storage.Tx) error {
		existing, err := tx.Order(ctx, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if patch.PaymentStatus != nil && patch.Status == nil {
			st := orderdom.DeriveStatus(existing.Status, *patch.PaymentStatus)
			patch.Status = &st
		}

		updated, err = tx.UpdateOrder(ctx, orderID, patch)
		return err
	})
	if err != nil {
		return orderdom.Order{}, err
	}
	return updated, nil
}

// BulkUpdate applies one patch to many orders. Each id succeeds or
// fails on its own; a missing order is reported in the result, never
// raised, and never aborts the rest of the batch.
func (s *Service) BulkUpdate(ctx context.Context, orderIDs []string, req UpdateRequest) (BulkResult, error) {
	if len(orderIDs) == 0 {
		return BulkResult{}, ErrNoOrderIDs
	}
	if _, err := normalizePatch(req); err != nil {
		return BulkResult{}, err
	}

	res := BulkResult{Errors: []BulkError{}}
	for _, id := range orderIDs {
		if _, err := s.Update(ctx, id, req); err != nil {
			res.Errors = append(res.Errors, BulkError{ID: id, Error: err.Error()})
			continue
		}
		res.Updated++
	}
	return res, nil
}
