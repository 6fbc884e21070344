package reservation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
)

// AvailabilityQuery は空き状況の確認条件です。期間は半開区間 [DateStart, DateEnd) です
type AvailabilityQuery struct {
	PropertyID int64
	DateStart  time.Time
	DateEnd    time.Time
	// 編集時に自分自身を重複とみなさないためのID
	ExcludeID *int64
}

// Overlaps は [a,b) と [c,d) が重なるかどうかを返します
// 終了日と開始日が同じ日（チェックアウト日にチェックイン）は重ならない
func Overlaps(a, b, c, d time.Time) bool {
	return a.Before(d) && c.Before(b)
}

// SchedulingGuard は物件のタイムラインに予約を入れられるかを判定します
type SchedulingGuard struct {
	reservations repository.ReservationRepository
	blocks       repository.BlockRepository
}

func NewSchedulingGuard(reservations repository.ReservationRepository, blocks repository.BlockRepository) *SchedulingGuard {
	return &SchedulingGuard{
		reservations: reservations,
		blocks:       blocks,
	}
}

// Lock は物件のタイムラインをトランザクション終了までロックします
// デッドロックを避けるため常にID昇順でロックします
func (g *SchedulingGuard) Lock(ctx context.Context, tx *sqlx.Tx, propertyIDs ...int64) error {
	ids := append([]int64(nil), propertyIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var prev int64
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		if err := g.reservations.LockPropertyTimeline(ctx, tx, id); err != nil {
			return err
		}
		prev = id
	}
	return nil
}

// CheckAvailability は重なる予約とブロックの件数を返します。両方とも必ず確認します
func (g *SchedulingGuard) CheckAvailability(ctx context.Context, tx *sqlx.Tx, q AvailabilityQuery) (model.Availability, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "SchedulingGuard.CheckAvailability")
	defer seg.Close(nil)

	reservations, err := g.reservations.CountOverlapping(ctx, tx, q.PropertyID, q.DateStart, q.DateEnd, q.ExcludeID)
	if err != nil {
		seg.Close(err)
		return model.Availability{}, fmt.Errorf("failed to check reservation overlap: %w", err)
	}

	blocks, err := g.blocks.CountOverlappingBlocks(ctx, tx, q.PropertyID, q.DateStart, q.DateEnd)
	if err != nil {
		seg.Close(err)
		return model.Availability{}, fmt.Errorf("failed to check calendar blocks: %w", err)
	}

	return model.Availability{
		ConflictingReservations: reservations,
		ConflictingBlocks:       blocks,
	}, nil
}

// Ensure は期間が空いていなければ AvailabilityConflict を返します
func (g *SchedulingGuard) Ensure(ctx context.Context, tx *sqlx.Tx, q AvailabilityQuery) error {
	availability, err := g.CheckAvailability(ctx, tx, q)
	if err != nil {
		return err
	}

	switch {
	case availability.ConflictingReservations > 0:
		return model.NewAvailabilityConflictError(model.ReasonReservationOverlap, "reservation overlap")
	case availability.ConflictingBlocks > 0:
		return model.NewAvailabilityConflictError(model.ReasonCalendarBlock, "calendar block")
	}
	return nil
}

// editAvailabilityQuery は編集後の予約について確認すべき条件を返します
// 日付も物件も変わらず、取消からの復帰でもなければ確認は不要です
func editAvailabilityQuery(current, next *model.Reservation) (AvailabilityQuery, bool) {
	if !next.Occupies() {
		return AvailabilityQuery{}, false
	}

	datesChanged := !current.DateStart.Equal(next.DateStart) || !current.DateEnd.Equal(next.DateEnd)
	propertyChanged := current.PropertyID != next.PropertyID
	reactivated := !current.Occupies()
	if !datesChanged && !propertyChanged && !reactivated {
		return AvailabilityQuery{}, false
	}

	q := AvailabilityQuery{
		PropertyID: next.PropertyID,
		DateStart:  next.DateStart,
		DateEnd:    next.DateEnd,
	}
	if !propertyChanged {
		id := current.ID
		q.ExcludeID = &id
	}
	return q, true
}

func validateDateRange(start, end time.Time) error {
	if !start.Before(end) {
		return model.NewInputValidationError(model.ReasonInvalidDateRange,
			"date_start (%s) must be before date_end (%s)", start.Format(model.DateLayout), end.Format(model.DateLayout))
	}
	return nil
}
