package repository

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

var reservationRowColumns = []string{
	"id", "code", "company_id", "property_id", "date_start", "date_end", "guest_count",
	"price_total", "total_reserved", "total_paid", "total_pending", "state", "origin_platform",
	"observations", "created_at", "updated_at",
}

func date(v string) time.Time {
	t, _ := time.Parse(model.DateLayout, v)
	return t
}

func TestReservationRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReservationRepository(db)
	created := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM reservations\\s+WHERE id = \\$1").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(reservationRowColumns).AddRow(
			10, "RSV-2025-001", 1, 2, date("2025-12-15"), date("2025-12-18"), 2,
			"450000", "450000", "0", "450000", "pendiente", "directa", "", created, created,
		))
	mock.ExpectQuery("FROM reservations\\s+WHERE id = \\$1").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(reservationRowColumns))

	got, err := repo.GetByID(testContext(t), 10)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Code != "RSV-2025-001" || got.State != model.StatePending || got.OriginPlatform != model.OriginDirect {
		t.Errorf("GetByID() = %+v", got)
	}
	if !got.TotalPending.Equal(decimal.NewFromInt(450000)) {
		t.Errorf("TotalPending = %s, want 450000", got.TotalPending)
	}

	if _, err := repo.GetByID(testContext(t), 11); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReservationRepository_Create(t *testing.T) {
	newReservation := func() *model.Reservation {
		return &model.Reservation{
			Code:           "RSV-2025-001",
			PropertyID:     2,
			DateStart:      date("2025-12-15"),
			DateEnd:        date("2025-12-18"),
			GuestCount:     2,
			PriceTotal:     decimal.NewFromInt(450000),
			TotalReserved:  decimal.NewFromInt(450000),
			TotalPaid:      decimal.Zero,
			TotalPending:   decimal.NewFromInt(450000),
			State:          model.StatePending,
			OriginPlatform: model.OriginDirect,
			CreatedAt:      time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC),
		}
	}

	t.Run("正常系: IDと会社IDが設定される", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		mock.ExpectQuery("INSERT INTO reservations").
			WillReturnRows(sqlmock.NewRows([]string{"id", "company_id"}).AddRow(int64(100), int64(7)))

		r := newReservation()
		if err := repo.Create(testContext(t), tx, r); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if r.ID != 100 || r.CompanyID != 7 {
			t.Errorf("Create() set ID=%d CompanyID=%d, want 100/7", r.ID, r.CompanyID)
		}
		if !r.UpdatedAt.Equal(r.CreatedAt) {
			t.Errorf("UpdatedAt = %v, want %v", r.UpdatedAt, r.CreatedAt)
		}
	})

	t.Run("物件が無い場合はNotFound", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		mock.ExpectQuery("INSERT INTO reservations").
			WillReturnRows(sqlmock.NewRows([]string{"id", "company_id"}))

		if err := repo.Create(testContext(t), tx, newReservation()); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("Create() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("排他制約違反は予約重複エラー", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		mock.ExpectQuery("INSERT INTO reservations").
			WillReturnError(&pq.Error{Code: "23P01", Constraint: "reservations_no_overlap"})

		err := repo.Create(testContext(t), tx, newReservation())
		if !errors.Is(err, model.ErrAvailabilityConflict) {
			t.Errorf("Create() error = %v, want ErrAvailabilityConflict", err)
		}
	})
}

func TestReservationRepository_Update(t *testing.T) {
	t.Run("許可されていない列は無視される", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		mock.ExpectExec(`SET state = \$1,\s+total_paid = \$2,\s+updated_at = \$3\s+WHERE id = \$4`).
			WithArgs("confirmada", decimal.NewFromInt(100), sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Update(testContext(t), tx, 7, map[string]interface{}{
			"state":      "confirmada",
			"total_paid": decimal.NewFromInt(100),
			"code":       "RSV-1999-999",
			"company_id": int64(99),
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("更新対象の列が無ければ何もしない", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		if err := repo.Update(testContext(t), tx, 7, map[string]interface{}{"code": "X"}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("対象が無い場合はNotFound", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReservationRepository(db)
		tx := beginTx(t, db, mock)

		mock.ExpectExec("UPDATE reservations").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Update(testContext(t), tx, 7, map[string]interface{}{"observations": "late arrival"})
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("Update() error = %v, want ErrNotFound", err)
		}
	})
}

func TestReservationRepository_CountOverlapping(t *testing.T) {
	tests := []struct {
		name      string
		excludeID *int64
		wantArg   interface{}
	}{
		{name: "除外なし", excludeID: nil, wantArg: nil},
		{name: "自身を除外", excludeID: func() *int64 { v := int64(5); return &v }(), wantArg: int64(5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewReservationRepository(db)
			tx := beginTx(t, db, mock)

			start, end := date("2025-12-16"), date("2025-12-17")
			mock.ExpectQuery(`state <> 'cancelada'\s+AND date_start < \$3\s+AND \$2 < date_end`).
				WithArgs(int64(2), start, end, tt.wantArg).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

			count, err := repo.CountOverlapping(testContext(t), tx, 2, start, end, tt.excludeID)
			if err != nil {
				t.Fatalf("CountOverlapping() error = %v", err)
			}
			if count != 1 {
				t.Errorf("CountOverlapping() = %d, want 1", count)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestReservationRepository_VoidByID(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "取消できる", affected: 1, wantErr: nil},
		{name: "取消済みまたは存在しない", affected: 0, wantErr: model.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewReservationRepository(db)
			tx := beginTx(t, db, mock)

			mock.ExpectExec(`(?s)SET state = 'cancelada'.*AND state <> 'cancelada'`).
				WithArgs(sqlmock.AnyArg(), int64(3)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.VoidByID(testContext(t), tx, 3)
			if tt.wantErr == nil && err != nil {
				t.Errorf("VoidByID() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("VoidByID() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReservationRepository_ListByFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReservationRepository(db)

	companyID := int64(1)
	state := model.StateConfirmed
	from := date("2025-12-01")
	to := date("2025-12-31")

	mock.ExpectQuery(regexp.QuoteMeta("WHERE company_id = $1 AND state = $2 AND date_end > $3 AND date_start < $4") +
		`\s+ORDER BY created_at DESC, id DESC`).
		WithArgs(int64(1), "confirmada", from, to).
		WillReturnRows(sqlmock.NewRows(reservationRowColumns))

	got, err := repo.ListByFilters(testContext(t), model.ReservationFilter{
		CompanyID: &companyID,
		State:     &state,
		DateStart: &from,
		DateEnd:   &to,
	})
	if err != nil {
		t.Fatalf("ListByFilters() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListByFilters() = %v, want empty slice", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReservationRepository_NextCodeSequence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReservationRepository(db)
	tx := beginTx(t, db, mock)

	mock.ExpectQuery(`(?s)INSERT INTO reservation_code_counters.*ON CONFLICT \(year\) DO UPDATE`).
		WithArgs(2025).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(12))

	seq, err := repo.NextCodeSequence(testContext(t), tx, 2025)
	if err != nil {
		t.Fatalf("NextCodeSequence() error = %v", err)
	}
	if seq != 12 {
		t.Errorf("NextCodeSequence() = %d, want 12", seq)
	}
}

func TestReservationRepository_LockPropertyTimeline(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReservationRepository(db)
	tx := beginTx(t, db, mock)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.LockPropertyTimeline(testContext(t), tx, 2); err != nil {
		t.Fatalf("LockPropertyTimeline() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
