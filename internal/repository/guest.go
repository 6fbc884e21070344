package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// GuestRepository は宿泊者と予約との関連の永続化を担当するインターフェースです
type GuestRepository interface {
	FindByDocumentNumbers(ctx context.Context, tx *sqlx.Tx, documentNumbers []string) (map[string]model.Guest, error)
	GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Guest, error)
	CreateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error
	UpdateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error
	LinkGuestsToReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error
	ReplaceLinksForReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error
	ListByReservation(ctx context.Context, reservationID int64) ([]model.LinkedGuest, error)
}

const guestColumns = `
			g.id,
			g.name,
			g.surname,
			g.email,
			g.phone,
			g.document_type,
			g.document_number,
			g.birth_date,
			g.city_of_residence,
			g.city_of_origin,
			g.travel_reason,
			g.created_at,
			g.updated_at`

// GuestRepositoryImpl はGuestRepositoryの実装です
type GuestRepositoryImpl struct {
	db *DB
}

// NewGuestRepository は新しいGuestRepositoryを作成します
func NewGuestRepository(db *DB) *GuestRepositoryImpl {
	return &GuestRepositoryImpl{db: db}
}

// FindByDocumentNumbers は書類番号で宿泊者をまとめて検索します
// 同じ書類番号の行が複数ある場合はIDが最も小さいものを返します
func (r *GuestRepositoryImpl) FindByDocumentNumbers(ctx context.Context, tx *sqlx.Tx, documentNumbers []string) (map[string]model.Guest, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.FindByDocumentNumbers")
	defer seg.Close(nil)

	found := make(map[string]model.Guest, len(documentNumbers))
	if len(documentNumbers) == 0 {
		return found, nil
	}

	query := `SELECT` + guestColumns + `
		FROM guests g
		WHERE g.document_number = ANY($1)
		ORDER BY g.id ASC`

	var guests []model.Guest
	if err := tx.SelectContext(ctx, &guests, query, pq.Array(documentNumbers)); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to find guests by document number: %w", err)
	}

	for _, g := range guests {
		if _, ok := found[g.DocumentNumber]; !ok {
			found[g.DocumentNumber] = g
		}
	}

	return found, nil
}

// GetByID は宿泊者を1件取得します
func (r *GuestRepositoryImpl) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Guest, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.GetByID")
	defer seg.Close(nil)

	query := `SELECT` + guestColumns + `
		FROM guests g
		WHERE g.id = $1`

	var guest model.Guest
	if err := tx.GetContext(ctx, &guest, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("guest %d not found", id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get guest %d: %w", id, err)
	}

	return &guest, nil
}

// CreateGuest は宿泊者を作成します
func (r *GuestRepositoryImpl) CreateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.CreateGuest")
	defer seg.Close(nil)

	query := `
		INSERT INTO guests (
			name, surname, email, phone, document_type, document_number, birth_date,
			city_of_residence, city_of_origin, travel_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
		)
		RETURNING id`

	now := time.Now().UTC()
	err := tx.QueryRowxContext(ctx,
		query,
		guest.Name,
		guest.Surname,
		guest.Email,
		guest.Phone,
		guest.DocumentType,
		guest.DocumentNumber,
		guest.BirthDate,
		guest.CityOfResidence,
		guest.CityOfOrigin,
		guest.TravelReason,
		now,
	).Scan(&guest.ID)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to create guest: %w", err)
	}
	guest.CreatedAt = now
	guest.UpdatedAt = now

	return nil
}

// UpdateGuest は宿泊者のプロフィールを更新します
func (r *GuestRepositoryImpl) UpdateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.UpdateGuest")
	defer seg.Close(nil)

	query := `
		UPDATE guests
		SET name = $1,
			surname = $2,
			email = $3,
			phone = $4,
			document_type = $5,
			document_number = $6,
			birth_date = $7,
			city_of_residence = $8,
			city_of_origin = $9,
			travel_reason = $10,
			updated_at = $11
		WHERE id = $12`

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		query,
		guest.Name,
		guest.Surname,
		guest.Email,
		guest.Phone,
		guest.DocumentType,
		guest.DocumentNumber,
		guest.BirthDate,
		guest.CityOfResidence,
		guest.CityOfOrigin,
		guest.TravelReason,
		now,
		guest.ID,
	)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update guest: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.NewNotFoundError("guest %d not found", guest.ID)
	}
	guest.UpdatedAt = now

	return nil
}

// LinkGuestsToReservation は宿泊者を予約に関連付けます
func (r *GuestRepositoryImpl) LinkGuestsToReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.LinkGuestsToReservation")
	defer seg.Close(nil)

	query := `
		INSERT INTO guest_reservations (reservation_id, guest_id, is_principal)
		VALUES ($1, $2, $3)`

	for _, link := range links {
		// PERF: 宿泊者数は小さいので1件ずつINSERTしています
		if _, err := tx.ExecContext(ctx, query, reservationID, link.GuestID, link.IsPrincipal); err != nil {
			seg.Close(err)
			return fmt.Errorf("failed to link guest %d to reservation %d: %w", link.GuestID, reservationID, err)
		}
	}

	return nil
}

// ReplaceLinksForReservation は予約の宿泊者関連を丸ごと置き換えます
// 宿泊者自体は他の予約と共有されるため削除しません
func (r *GuestRepositoryImpl) ReplaceLinksForReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.ReplaceLinksForReservation")
	defer seg.Close(nil)

	if _, err := tx.ExecContext(ctx, `DELETE FROM guest_reservations WHERE reservation_id = $1`, reservationID); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to clear guest links of reservation %d: %w", reservationID, err)
	}

	if err := r.LinkGuestsToReservation(ctx, tx, reservationID, links); err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

// ListByReservation は予約に関連付けられた宿泊者を代表者を先頭にして返します
func (r *GuestRepositoryImpl) ListByReservation(ctx context.Context, reservationID int64) ([]model.LinkedGuest, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestRepository.ListByReservation")
	defer seg.Close(nil)

	query := `SELECT` + guestColumns + `,
			gr.is_principal
		FROM guest_reservations gr
		JOIN guests g ON g.id = gr.guest_id
		WHERE gr.reservation_id = $1
		ORDER BY gr.is_principal DESC, g.id ASC`

	guests := []model.LinkedGuest{}
	if err := r.db.SelectContext(ctx, &guests, query, reservationID); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list guests of reservation %d: %w", reservationID, err)
	}

	return guests, nil
}
