package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// PaymentRepository は支払の永続化を担当するインターフェースです
type PaymentRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) (bool, error)
	GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error)
	ListByReservation(ctx context.Context, reservationID int64) ([]model.Payment, error)
}

const paymentColumns = `id, reservation_id, event_id, amount, method, concept, created_at`

// PaymentRepositoryImpl は支払の永続化を担当します
type PaymentRepositoryImpl struct {
	db *DB
}

// NewPaymentRepository は新しいPaymentRepositoryを作成します
func NewPaymentRepository(db *DB) *PaymentRepositoryImpl {
	return &PaymentRepositoryImpl{
		db: db,
	}
}

// Create は支払を1件登録します
// 同じevent_idの支払が既にある場合は登録せず、既存の行をpaymentに読み込んでfalseを返します
func (r *PaymentRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) (bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentRepository.Create")
	defer seg.Close(nil)

	query := `
		INSERT INTO payments (
			reservation_id, event_id, amount, method, concept, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`

	err := tx.QueryRowxContext(ctx,
		query,
		payment.ReservationID,
		payment.EventID,
		payment.Amount,
		payment.Method,
		payment.Concept,
		payment.CreatedAt,
	).Scan(&payment.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		err = translateError(err)
		seg.Close(err)
		return false, fmt.Errorf("failed to create payment: %w", err)
	}

	// 重複イベント
	existing := `SELECT ` + paymentColumns + ` FROM payments WHERE event_id = $1`
	if err := tx.GetContext(ctx, payment, existing, payment.EventID); err != nil {
		seg.Close(err)
		return false, fmt.Errorf("failed to load existing payment for event %s: %w", payment.EventID, err)
	}

	return false, nil
}

// GetByID は支払を1件取得します
func (r *PaymentRepositoryImpl) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentRepository.GetByID")
	defer seg.Close(nil)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	var payment model.Payment
	if err := tx.GetContext(ctx, &payment, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("payment %d not found", id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get payment %d: %w", id, err)
	}

	return &payment, nil
}

// Delete は支払を削除し、削除した行を返します
func (r *PaymentRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentRepository.Delete")
	defer seg.Close(nil)

	query := `DELETE FROM payments WHERE id = $1 RETURNING ` + paymentColumns

	var payment model.Payment
	if err := tx.GetContext(ctx, &payment, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("payment %d not found", id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to delete payment %d: %w", id, err)
	}

	return &payment, nil
}

// ListByReservation は予約の支払を登録順に返します
func (r *PaymentRepositoryImpl) ListByReservation(ctx context.Context, reservationID int64) ([]model.Payment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentRepository.ListByReservation")
	defer seg.Close(nil)

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE reservation_id = $1
		ORDER BY created_at ASC, id ASC`

	payments := []model.Payment{}
	if err := r.db.SelectContext(ctx, &payments, query, reservationID); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}

	return payments, nil
}
