/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kiln

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/internal/notification"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

// GrantCredits credits an owner's account. Grants are idempotent on their
// reference: replaying one returns the current account without crediting twice.
func (k *Kiln) GrantCredits(ctx context.Context, grant model.CreditGrant) (*model.CreditAccount, error) {
	ctx, span := tracer.Start(ctx, "GrantCredits")
	defer span.End()

	if grant.OwnerID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "owner_id is required", nil)
	}
	if grant.Reference == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "reference is required", nil)
	}
	if grant.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "amount must be positive", nil)
	}

	account, err := k.datasource.GrantCredits(ctx, grant)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"owner_id": grant.OwnerID, "reference": grant.Reference}).
		Infof("granted %d credits", grant.Amount)
	return account, nil
}

// GetCreditBalance returns the owner's account. Unknown owners have an empty account.
func (k *Kiln) GetCreditBalance(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	return k.datasource.GetCreditAccount(ctx, ownerID)
}

// ListLedgerEntries pages through an owner's ledger, newest first.
func (k *Kiln) ListLedgerEntries(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultEntryLimit
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return k.datasource.GetLedgerEntries(ctx, ownerID, limit, offset)
}

// reserve holds amount of the owner's available credit.
func (k *Kiln) reserve(ctx context.Context, ownerID string, amount int64) (*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "Reserve Credits")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", ownerID), attribute.Int64("credits", amount))

	reservation, err := k.datasource.ReserveCredits(ctx, ownerID, amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return reservation, nil
}

// settle resolves a reservation. Settling twice with the same outcome is a
// no-op; a conflicting outcome is an invariant violation and raises an alert.
func (k *Kiln) settle(ctx context.Context, reservationID string, outcome model.SettlementOutcome) error {
	ctx, span := tracer.Start(ctx, "Settle Reservation")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID), attribute.String("outcome", string(outcome)))

	_, err := k.datasource.SettleReservation(ctx, reservationID, outcome)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, model.ErrInvariantViolation) {
			notification.NotifyError(fmt.Errorf("settling reservation %s as %s: %w", reservationID, outcome, err))
		}
		return err
	}
	return nil
}
