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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
	"github.com/lib/pq"
)

const accountColumns = "owner_id, credited, held, debited, version, created_at, updated_at"

func scanAccount(row interface{ Scan(...interface{}) error }) (*model.CreditAccount, error) {
	account := &model.CreditAccount{}
	err := row.Scan(&account.OwnerID, &account.Credited, &account.Held, &account.Debited, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, entry model.LedgerEntry) error {
	var metaDataJSON []byte
	if entry.MetaData != nil {
		var err error
		metaDataJSON, err = json.Marshal(entry.MetaData)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO kiln.ledger_entries (entry_id, owner_id, reservation_id, entry_type, amount, available_after, reference, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.EntryID, entry.OwnerID, nullString(entry.ReservationID), entry.EntryType, entry.Amount, entry.AvailableAfter,
		nullString(entry.Reference), entry.CreatedAt, metaDataJSON)
	return err
}

// GrantCredits credits an owner's account, creating it on first grant.
// Grants are idempotent on their reference.
func (d Datasource) GrantCredits(ctx context.Context, grant model.CreditGrant) (*model.CreditAccount, error) {
	if grant.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "grant amount must be positive", nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	grantedTo, err := grantOwner(ctx, tx, grant.Reference)
	if err != nil {
		return nil, err
	}
	if grantedTo != "" {
		_ = tx.Rollback()
		return d.existingGrant(ctx, grant, grantedTo)
	}

	now := time.Now().UTC()
	account, err := scanAccount(tx.QueryRowContext(ctx, `
		INSERT INTO kiln.credit_accounts (owner_id, credited, held, debited, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 1, $3, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET credited = kiln.credit_accounts.credited + EXCLUDED.credited,
			version = kiln.credit_accounts.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+accountColumns, grant.OwnerID, grant.Amount, now))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to credit account", err)
	}

	err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
		EntryID:        model.GenerateUUIDWithSuffix("ent"),
		OwnerID:        grant.OwnerID,
		EntryType:      model.EntryGrant,
		Amount:         grant.Amount,
		AvailableAfter: account.Available(),
		Reference:      grant.Reference,
		CreatedAt:      now,
		MetaData:       grant.MetaData,
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			_ = tx.Rollback()
			grantedTo, err := grantOwner(ctx, d.Conn, grant.Reference)
			if err != nil {
				return nil, err
			}
			return d.existingGrant(ctx, grant, grantedTo)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record grant", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit grant", err)
	}
	return account, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// grantOwner returns the owner already credited under reference, or "" when
// the reference is unused.
func grantOwner(ctx context.Context, q queryRower, reference string) (string, error) {
	var ownerID string
	err := q.QueryRowContext(ctx, `
		SELECT owner_id FROM kiln.ledger_entries WHERE entry_type = 'grant' AND reference = $1 LIMIT 1
	`, reference).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check grant reference", err)
	}
	return ownerID, nil
}

// existingGrant answers a repeated grant reference. A reference spent on
// another owner is a conflict rather than a no-op.
func (d Datasource) existingGrant(ctx context.Context, grant model.CreditGrant, grantedTo string) (*model.CreditAccount, error) {
	if grantedTo != grant.OwnerID {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("grant reference '%s' belongs to another owner", grant.Reference), nil)
	}
	return d.GetCreditAccount(ctx, grant.OwnerID)
}

// GetCreditAccount returns the owner's balance. Owners with no grants yet get an empty account.
func (d Datasource) GetCreditAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	account, err := scanAccount(d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM kiln.credit_accounts WHERE owner_id = $1
	`, ownerID))
	if err == sql.ErrNoRows {
		return &model.CreditAccount{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve credit account", err)
	}
	return account, nil
}

// ReserveCredits places a hold of amount on the owner's available credit.
// The balance check and the hold happen in one conditional update, so
// concurrent reservations can never take available credit below zero.
func (d Datasource) ReserveCredits(ctx context.Context, ownerID string, amount int64) (*model.Reservation, error) {
	if amount < 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "reservation amount cannot be negative", nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	var available int64
	err = tx.QueryRowContext(ctx, `
		UPDATE kiln.credit_accounts
		SET held = held + $2, version = version + 1, updated_at = $3
		WHERE owner_id = $1 AND credited - held - debited >= $2
		RETURNING credited - held - debited
	`, ownerID, amount, now).Scan(&available)
	if err == sql.ErrNoRows {
		return nil, model.ErrInsufficientCredits
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to hold credits", err)
	}

	reservation := &model.Reservation{
		ReservationID: model.GenerateUUIDWithSuffix("rsv"),
		OwnerID:       ownerID,
		Amount:        amount,
		Status:        model.ReservationHeld,
		CreatedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kiln.reservations (reservation_id, owner_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, reservation.ReservationID, reservation.OwnerID, reservation.Amount, reservation.Status, reservation.CreatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reservation", err)
	}

	err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
		EntryID:        model.GenerateUUIDWithSuffix("ent"),
		OwnerID:        ownerID,
		ReservationID:  reservation.ReservationID,
		EntryType:      model.EntryReserve,
		Amount:         amount,
		AvailableAfter: available,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reserve entry", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit reservation", err)
	}
	return reservation, nil
}

// SettleReservation resolves a held reservation. A success moves the hold to
// debited, a refund returns it to available. Settling again with the same
// outcome is a no-op; settling with the other outcome is an invariant violation.
func (d Datasource) SettleReservation(ctx context.Context, reservationID string, outcome model.SettlementOutcome) (*model.Reservation, error) {
	if !outcome.IsValid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid settlement outcome %q", outcome), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	reservation, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT reservation_id, owner_id, amount, status, created_at, settled_at
		FROM kiln.reservations
		WHERE reservation_id = $1
		FOR UPDATE
	`, reservationID))
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reservation with ID '%s' not found", reservationID), model.ErrReservationNotFound)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reservation", err)
	}

	if settled, ok := reservation.Status.SettledBy(); ok {
		if settled == outcome {
			return reservation, nil
		}
		return nil, fmt.Errorf("%w: reservation %s already settled as %s, refusing %s", model.ErrInvariantViolation, reservationID, settled, outcome)
	}

	now := time.Now().UTC()
	accountQuery := `
		UPDATE kiln.credit_accounts
		SET held = held - $2, debited = debited + $2, version = version + 1, updated_at = $3
		WHERE owner_id = $1 AND held >= $2
		RETURNING credited - held - debited
	`
	entryType, status := model.EntryCapture, model.ReservationCaptured
	if outcome == model.OutcomeRefund {
		accountQuery = `
		UPDATE kiln.credit_accounts
		SET held = held - $2, version = version + 1, updated_at = $3
		WHERE owner_id = $1 AND held >= $2
		RETURNING credited - held - debited
	`
		entryType, status = model.EntryRelease, model.ReservationReleased
	}

	var available int64
	err = tx.QueryRowContext(ctx, accountQuery, reservation.OwnerID, reservation.Amount, now).Scan(&available)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: held credit of %s is below reservation %s", model.ErrInvariantViolation, reservation.OwnerID, reservationID)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to settle credits", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE kiln.reservations SET status = $2, settled_at = $3 WHERE reservation_id = $1
	`, reservationID, status, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reservation", err)
	}

	err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
		EntryID:        model.GenerateUUIDWithSuffix("ent"),
		OwnerID:        reservation.OwnerID,
		ReservationID:  reservationID,
		EntryType:      entryType,
		Amount:         reservation.Amount,
		AvailableAfter: available,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record settlement entry", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit settlement", err)
	}

	reservation.Status = status
	reservation.SettledAt = &now
	return reservation, nil
}

func scanReservation(row interface{ Scan(...interface{}) error }) (*model.Reservation, error) {
	reservation := &model.Reservation{}
	var settledAt sql.NullTime
	err := row.Scan(&reservation.ReservationID, &reservation.OwnerID, &reservation.Amount, &reservation.Status, &reservation.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		reservation.SettledAt = &settledAt.Time
	}
	return reservation, nil
}

func (d Datasource) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	reservation, err := scanReservation(d.Conn.QueryRowContext(ctx, `
		SELECT reservation_id, owner_id, amount, status, created_at, settled_at
		FROM kiln.reservations
		WHERE reservation_id = $1
	`, reservationID))
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reservation with ID '%s' not found", reservationID), model.ErrReservationNotFound)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reservation", err)
	}
	return reservation, nil
}

// GetLedgerEntries lists an owner's ledger entries, newest first.
func (d Datasource) GetLedgerEntries(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT entry_id, owner_id, reservation_id, entry_type, amount, available_after, reference, created_at, meta_data
		FROM kiln.ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entries", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var entry model.LedgerEntry
		var reservationID, reference sql.NullString
		var metaDataJSON []byte
		err = rows.Scan(&entry.EntryID, &entry.OwnerID, &reservationID, &entry.EntryType, &entry.Amount,
			&entry.AvailableAfter, &reference, &entry.CreatedAt, &metaDataJSON)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan ledger entry", err)
		}
		entry.ReservationID = reservationID.String
		entry.Reference = reference.String
		if len(metaDataJSON) > 0 {
			if err = json.Unmarshal(metaDataJSON, &entry.MetaData); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
			}
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over ledger entries", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
