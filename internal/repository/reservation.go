package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

type ReservationRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Reservation, error)
	GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Reservation, error)
	ListByFilters(ctx context.Context, filter model.ReservationFilter) ([]model.Reservation, error)
	Create(ctx context.Context, tx *sqlx.Tx, reservation *model.Reservation) error
	Update(ctx context.Context, tx *sqlx.Tx, id int64, fields map[string]interface{}) error
	CountOverlapping(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time, excludeID *int64) (int, error)
	VoidByID(ctx context.Context, tx *sqlx.Tx, id int64) error
	NextCodeSequence(ctx context.Context, tx *sqlx.Tx, year int) (int, error)
	LockPropertyTimeline(ctx context.Context, tx *sqlx.Tx, propertyID int64) error
	PropertyCompanyID(ctx context.Context, tx *sqlx.Tx, propertyID int64) (int64, error)
}

// UpdatableReservationColumns は Update で変更を許可する列です
var UpdatableReservationColumns = map[string]bool{
	"date_start":      true,
	"date_end":        true,
	"property_id":     true,
	"guest_count":     true,
	"price_total":     true,
	"total_reserved":  true,
	"total_paid":      true,
	"total_pending":   true,
	"state":           true,
	"observations":    true,
	"origin_platform": true,
}

const reservationColumns = `
			id,
			code,
			company_id,
			property_id,
			date_start,
			date_end,
			guest_count,
			price_total,
			total_reserved,
			total_paid,
			total_pending,
			state,
			origin_platform,
			observations,
			created_at,
			updated_at`

type ReservationRepositoryImpl struct {
	db *DB
}

func NewReservationRepository(db *DB) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{db: db}
}

// GetByID は予約を1件取得します
func (r *ReservationRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.GetByID")
	defer seg.Close(nil)

	query := `SELECT` + reservationColumns + `
		FROM reservations
		WHERE id = $1`

	var reservation model.Reservation
	if err := r.db.GetContext(ctx, &reservation, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("reservation %d not found", id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get reservation %d: %w", id, err)
	}

	return &reservation, nil
}

// GetByIDForUpdate はトランザクション内で予約行をロックして取得します
func (r *ReservationRepositoryImpl) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.GetByIDForUpdate")
	defer seg.Close(nil)

	query := `SELECT` + reservationColumns + `
		FROM reservations
		WHERE id = $1
		FOR UPDATE`

	var reservation model.Reservation
	if err := tx.GetContext(ctx, &reservation, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("reservation %d not found", id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to lock reservation %d: %w", id, err)
	}

	return &reservation, nil
}

// ListByFilters は条件に合う予約を作成日時の新しい順に返します
// 期間条件は [DateStart, DateEnd) と交差する予約を対象にします
func (r *ReservationRepositoryImpl) ListByFilters(ctx context.Context, filter model.ReservationFilter) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.ListByFilters")
	defer seg.Close(nil)

	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.CompanyID != nil {
		add("company_id = $%d", *filter.CompanyID)
	}
	if filter.PropertyID != nil {
		add("property_id = $%d", *filter.PropertyID)
	}
	if filter.State != nil {
		add("state = $%d", string(*filter.State))
	}
	if filter.OriginPlatform != nil {
		add("origin_platform = $%d", string(*filter.OriginPlatform))
	}
	if filter.DateStart != nil {
		add("date_end > $%d", *filter.DateStart)
	}
	if filter.DateEnd != nil {
		add("date_start < $%d", *filter.DateEnd)
	}

	query := `SELECT` + reservationColumns + `
		FROM reservations`
	if len(conditions) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\n\t\tORDER BY created_at DESC, id DESC"

	reservations := []model.Reservation{}
	if err := r.db.SelectContext(ctx, &reservations, query, args...); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	return reservations, nil
}

// Create は予約を作成します。company_id は物件から導出します
func (r *ReservationRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, reservation *model.Reservation) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.Create")
	defer seg.Close(nil)

	query := `
		INSERT INTO reservations (
			code,
			company_id,
			property_id,
			date_start,
			date_end,
			guest_count,
			price_total,
			total_reserved,
			total_paid,
			total_pending,
			state,
			origin_platform,
			observations,
			created_at,
			updated_at
		)
		SELECT $1, p.company_id, p.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13
		FROM properties p
		WHERE p.id = $2
		RETURNING id, company_id`

	err := tx.QueryRowxContext(ctx,
		query,
		reservation.Code,
		reservation.PropertyID,
		reservation.DateStart,
		reservation.DateEnd,
		reservation.GuestCount,
		reservation.PriceTotal,
		reservation.TotalReserved,
		reservation.TotalPaid,
		reservation.TotalPending,
		string(reservation.State),
		string(reservation.OriginPlatform),
		reservation.Observations,
		reservation.CreatedAt,
	).Scan(&reservation.ID, &reservation.CompanyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError("property %d not found", reservation.PropertyID)
		}
		err = translateError(err)
		seg.Close(err)
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	reservation.UpdatedAt = reservation.CreatedAt

	return nil
}

// Update は許可された列だけを更新します。許可されていない列は無視します
func (r *ReservationRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, id int64, fields map[string]interface{}) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.Update")
	defer seg.Close(nil)

	columns := make([]string, 0, len(fields))
	for column := range fields {
		if !UpdatableReservationColumns[column] {
			log.Printf("ignoring non-updatable reservation column %q", column)
			continue
		}
		columns = append(columns, column)
	}
	if len(columns) == 0 {
		return nil
	}
	sort.Strings(columns)

	sets := make([]string, 0, len(columns)+1)
	args := make([]interface{}, 0, len(columns)+2)
	for _, column := range columns {
		args = append(args, fields[column])
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE reservations
		SET %s
		WHERE id = $%d`, strings.Join(sets, ",\n\t\t\t"), len(args))

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		err = translateError(err)
		seg.Close(err)
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.NewNotFoundError("reservation %d not found", id)
	}

	return nil
}

// CountOverlapping は [dateStart, dateEnd) と重なる、取消されていない予約の件数を返します
func (r *ReservationRepositoryImpl) CountOverlapping(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time, excludeID *int64) (int, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.CountOverlapping")
	defer seg.Close(nil)

	query := `
		SELECT COUNT(*)
		FROM reservations
		WHERE property_id = $1
		AND state <> 'cancelada'
		AND date_start < $3
		AND $2 < date_end
		AND ($4::bigint IS NULL OR id <> $4)`

	var exclude interface{}
	if excludeID != nil {
		exclude = *excludeID
	}

	var count int
	if err := tx.QueryRowxContext(ctx, query, propertyID, dateStart, dateEnd, exclude).Scan(&count); err != nil {
		seg.Close(err)
		return 0, fmt.Errorf("failed to count overlapping reservations: %w", err)
	}

	return count, nil
}

// VoidByID は予約を取消状態にします（行は削除しません）
// 既に取消済み、または存在しない場合は NotFound を返します
func (r *ReservationRepositoryImpl) VoidByID(ctx context.Context, tx *sqlx.Tx, id int64) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.VoidByID")
	defer seg.Close(nil)

	query := `
		UPDATE reservations
		SET state = 'cancelada',
			updated_at = $1
		WHERE id = $2
		AND state <> 'cancelada'`

	result, err := tx.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to void reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.NewNotFoundError("reservation %d not found or already cancelled", id)
	}

	return nil
}

// NextCodeSequence は指定年の予約コード連番を採番します
// 年の初回はその年に作成済みの予約件数+1から始めます
func (r *ReservationRepositoryImpl) NextCodeSequence(ctx context.Context, tx *sqlx.Tx, year int) (int, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.NextCodeSequence")
	defer seg.Close(nil)

	query := `
		INSERT INTO reservation_code_counters (year, last_value)
		VALUES (
			$1,
			(SELECT COUNT(*) FROM reservations
			 WHERE created_at >= make_date($1, 1, 1)
			 AND created_at < make_date($1 + 1, 1, 1)) + 1
		)
		ON CONFLICT (year) DO UPDATE
		SET last_value = reservation_code_counters.last_value + 1
		RETURNING last_value`

	var seq int
	if err := tx.QueryRowxContext(ctx, query, year).Scan(&seq); err != nil {
		seg.Close(err)
		return 0, fmt.Errorf("failed to allocate reservation code sequence: %w", err)
	}

	return seq, nil
}

// LockPropertyTimeline は物件のタイムラインをトランザクション終了までロックします
func (r *ReservationRepositoryImpl) LockPropertyTimeline(ctx context.Context, tx *sqlx.Tx, propertyID int64) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.LockPropertyTimeline")
	defer seg.Close(nil)

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, propertyID); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to lock property %d timeline: %w", propertyID, err)
	}

	return nil
}

// PropertyCompanyID は物件が属する会社IDを返します
func (r *ReservationRepositoryImpl) PropertyCompanyID(ctx context.Context, tx *sqlx.Tx, propertyID int64) (int64, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationRepository.PropertyCompanyID")
	defer seg.Close(nil)

	var companyID int64
	err := tx.QueryRowxContext(ctx, `SELECT company_id FROM properties WHERE id = $1`, propertyID).Scan(&companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, model.NewNotFoundError("property %d not found", propertyID)
		}
		seg.Close(err)
		return 0, fmt.Errorf("failed to get company of property %d: %w", propertyID, err)
	}

	return companyID, nil
}
