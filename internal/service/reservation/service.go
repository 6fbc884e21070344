package reservation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/integration/card"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
)

// Dependencies はServiceが利用するコンポーネントです
type Dependencies struct {
	Transactor      repository.Transactor
	Reservations    repository.ReservationRepository
	Guests          repository.GuestRepository
	Blocks          repository.BlockRepository
	Payments        repository.PaymentRepository
	CardRegistrar   card.Registrar
	CardSyncTimeout time.Duration
}

// Service は予約の作成・編集・取消と支払の反映を行います
// 1回の作成・編集は 入力検証 -> 空き確認 -> 宿泊者解決 -> 台帳計算 -> 保存 -> 副作用 の順に処理します
type Service struct {
	tx           repository.Transactor
	reservations repository.ReservationRepository
	guests       repository.GuestRepository
	payments     repository.PaymentRepository
	blocks       repository.BlockRepository
	guard        *SchedulingGuard
	resolver     *GuestIdentityResolver
	sequencer    *CodeSequencer
	lifecycle    *Lifecycle
	validate     *validator.Validate
	now          func() time.Time
}

func NewService(deps Dependencies) *Service {
	return &Service{
		tx:           deps.Transactor,
		reservations: deps.Reservations,
		guests:       deps.Guests,
		payments:     deps.Payments,
		blocks:       deps.Blocks,
		guard:        NewSchedulingGuard(deps.Reservations, deps.Blocks),
		resolver:     NewGuestIdentityResolver(deps.Guests),
		sequencer:    NewCodeSequencer(deps.Reservations),
		lifecycle:    NewLifecycle(deps.CardRegistrar, deps.CardSyncTimeout),
		validate:     validator.New(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create は予約を作成し、保存後のスナップショットを返します
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Create")
	defer seg.Close(nil)

	if err := validateStruct(s.validate, in); err != nil {
		return nil, err
	}

	dateStart, err := model.ParseDate("date_start", in.DateStart)
	if err != nil {
		return nil, err
	}
	dateEnd, err := model.ParseDate("date_end", in.DateEnd)
	if err != nil {
		return nil, err
	}
	if err := validateDateRange(dateStart, dateEnd); err != nil {
		return nil, err
	}
	state, err := model.ParseReservationState(in.State)
	if err != nil {
		return nil, err
	}
	origin, err := model.ParseOriginPlatform(in.OriginPlatform)
	if err != nil {
		return nil, err
	}

	now := s.now()
	guests, err := s.resolver.Validate(in.Guests, in.GuestCount, now)
	if err != nil {
		return nil, err
	}
	ledger, err := OpenLedger(in.TotalReserved, in.TotalPaid)
	if err != nil {
		return nil, err
	}

	priceTotal := in.TotalReserved
	if in.PriceTotal != nil {
		if err := CheckMoney("price_total", *in.PriceTotal); err != nil {
			return nil, err
		}
		priceTotal = *in.PriceTotal
	}

	var reservationID int64
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := s.guard.Lock(ctx, tx, in.PropertyID); err != nil {
			return err
		}
		if err := s.guard.Ensure(ctx, tx, AvailabilityQuery{
			PropertyID: in.PropertyID,
			DateStart:  dateStart,
			DateEnd:    dateEnd,
		}); err != nil {
			return err
		}

		links, err := s.resolver.Resolve(ctx, tx, guests, ModeCreate)
		if err != nil {
			return err
		}

		code, err := s.sequencer.Next(ctx, tx, now)
		if err != nil {
			return err
		}

		r := &model.Reservation{
			Code:           code,
			PropertyID:     in.PropertyID,
			DateStart:      dateStart,
			DateEnd:        dateEnd,
			GuestCount:     in.GuestCount,
			PriceTotal:     priceTotal,
			State:          state,
			OriginPlatform: origin,
			Observations:   in.Observations,
			CreatedAt:      now,
		}
		r.SetTotals(ledger.Totals())

		if err := s.reservations.Create(ctx, tx, r); err != nil {
			return err
		}
		if err := s.guests.LinkGuestsToReservation(ctx, tx, r.ID, withReservation(links, r.ID)); err != nil {
			return err
		}

		reservationID = r.ID
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	log.Printf("Reservation %d created on property %d [%s, %s)", reservationID, in.PropertyID,
		dateStart.Format(model.DateLayout), dateEnd.Format(model.DateLayout))

	s.lifecycle.AfterCommit(ctx, reservationID, nil, state)

	return s.Get(ctx, reservationID)
}

// Edit は予約を部分更新し、保存後のスナップショットを返します
func (s *Service) Edit(ctx context.Context, id int64, in EditInput) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Edit")
	defer seg.Close(nil)

	if err := validateStruct(s.validate, in); err != nil {
		return nil, err
	}

	var (
		prevState model.ReservationState
		nextState model.ReservationState
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		current, err := s.reservations.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		next, fields, err := applyEdit(current, in)
		if err != nil {
			return err
		}

		if next.PropertyID != current.PropertyID {
			companyID, err := s.reservations.PropertyCompanyID(ctx, tx, next.PropertyID)
			if err != nil {
				return err
			}
			if companyID != current.CompanyID {
				return model.NewInputValidationError(model.ReasonPropertyCompanyMismatch,
					"property %d does not belong to company %d", next.PropertyID, current.CompanyID)
			}
		}

		var guests []ValidatedGuest
		if in.Guests != nil {
			guests, err = s.resolver.Validate(in.Guests, next.GuestCount, s.now())
			if err != nil {
				return err
			}
		} else if next.GuestCount != current.GuestCount {
			return model.NewInputValidationError(model.ReasonGuestCountMismatch,
				"guest_count changed to %d without a guest list", next.GuestCount)
		}

		ledger, err := LedgerFromReservation(current)
		if err != nil {
			return err
		}
		if in.TotalReserved != nil {
			if err := ledger.Reprice(*in.TotalReserved); err != nil {
				return err
			}
		}
		if in.TotalPaid != nil {
			if err := ledger.SetPaid(*in.TotalPaid); err != nil {
				return err
			}
		}
		if in.TotalReserved != nil || in.TotalPaid != nil {
			totals := ledger.Totals()
			fields["total_reserved"] = totals.Reserved
			fields["total_paid"] = totals.Paid
			fields["total_pending"] = totals.Pending
		}

		if q, ok := editAvailabilityQuery(current, next); ok {
			if err := s.guard.Lock(ctx, tx, current.PropertyID, next.PropertyID); err != nil {
				return err
			}
			if err := s.guard.Ensure(ctx, tx, q); err != nil {
				return err
			}
		}

		if guests != nil {
			links, err := s.resolver.Resolve(ctx, tx, guests, ModeEdit)
			if err != nil {
				return err
			}
			if err := s.guests.ReplaceLinksForReservation(ctx, tx, id, withReservation(links, id)); err != nil {
				return err
			}
		}

		if err := s.reservations.Update(ctx, tx, id, fields); err != nil {
			return err
		}

		prevState = current.State
		nextState = next.State
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	s.lifecycle.AfterCommit(ctx, id, &prevState, nextState)

	return s.Get(ctx, id)
}

// applyEdit は入力を現在の予約に重ねた結果と、更新する列を返します
func applyEdit(current *model.Reservation, in EditInput) (*model.Reservation, map[string]interface{}, error) {
	next := *current
	fields := map[string]interface{}{}

	if in.PropertyID != nil && *in.PropertyID != current.PropertyID {
		next.PropertyID = *in.PropertyID
		fields["property_id"] = next.PropertyID
	}
	if in.DateStart != nil {
		d, err := model.ParseDate("date_start", *in.DateStart)
		if err != nil {
			return nil, nil, err
		}
		next.DateStart = d
		fields["date_start"] = d
	}
	if in.DateEnd != nil {
		d, err := model.ParseDate("date_end", *in.DateEnd)
		if err != nil {
			return nil, nil, err
		}
		next.DateEnd = d
		fields["date_end"] = d
	}
	if err := validateDateRange(next.DateStart, next.DateEnd); err != nil {
		return nil, nil, err
	}
	if in.GuestCount != nil {
		next.GuestCount = *in.GuestCount
		fields["guest_count"] = next.GuestCount
	}
	if in.PriceTotal != nil {
		if err := CheckMoney("price_total", *in.PriceTotal); err != nil {
			return nil, nil, err
		}
		next.PriceTotal = *in.PriceTotal
		fields["price_total"] = next.PriceTotal
	}
	if in.State != nil {
		state, err := model.ParseReservationState(*in.State)
		if err != nil {
			return nil, nil, err
		}
		next.State = state
		fields["state"] = string(state)
	}
	if in.OriginPlatform != nil {
		origin, err := model.ParseOriginPlatform(*in.OriginPlatform)
		if err != nil {
			return nil, nil, err
		}
		next.OriginPlatform = origin
		fields["origin_platform"] = string(origin)
	}
	if in.Observations != nil {
		next.Observations = *in.Observations
		fields["observations"] = next.Observations
	}

	return &next, fields, nil
}

// Void は予約を取消状態にします。取消済みや存在しない予約はNotFoundです
func (s *Service) Void(ctx context.Context, id int64) (*model.VoidResult, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Void")
	defer seg.Close(nil)

	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return s.reservations.VoidByID(ctx, tx, id)
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	log.Printf("Reservation %d voided", id)
	return &model.VoidResult{ID: id, State: model.StateCancelled}, nil
}

// Get は予約のスナップショット（宿泊者を含む）を返します
func (s *Service) Get(ctx context.Context, id int64) (*model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.Get")
	defer seg.Close(nil)

	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	guests, err := s.guests.ListByReservation(ctx, id)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	r.Guests = guests

	return r, nil
}

// List は条件に合う予約を作成日時の新しい順に返します
func (s *Service) List(ctx context.Context, filter model.ReservationFilter) ([]model.Reservation, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.List")
	defer seg.Close(nil)

	if filter.State != nil && !filter.State.Valid() {
		return nil, model.NewInputValidationError("invalid_state", "unknown reservation state %q", *filter.State)
	}
	if filter.OriginPlatform != nil && !filter.OriginPlatform.Valid() {
		return nil, model.NewInputValidationError("invalid_origin_platform", "unknown origin platform %q", *filter.OriginPlatform)
	}

	reservations, err := s.reservations.ListByFilters(ctx, filter)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	for i := range reservations {
		// PERF: 件数が多い場合は予約IDのリストでまとめて取得したほうがよい
		guests, err := s.guests.ListByReservation(ctx, reservations[i].ID)
		if err != nil {
			seg.Close(err)
			return nil, err
		}
		reservations[i].Guests = guests
	}

	return reservations, nil
}

// CheckAvailability は期間の空き状況を返します。excludeIDは編集中の予約自身を除外するために使います
func (s *Service) CheckAvailability(ctx context.Context, propertyID int64, dateStart, dateEnd string, excludeID *int64) (*model.Availability, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.CheckAvailability")
	defer seg.Close(nil)

	start, err := model.ParseDate("date_start", dateStart)
	if err != nil {
		return nil, err
	}
	end, err := model.ParseDate("date_end", dateEnd)
	if err != nil {
		return nil, err
	}
	if err := validateDateRange(start, end); err != nil {
		return nil, err
	}

	var availability model.Availability
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		a, err := s.guard.CheckAvailability(ctx, tx, AvailabilityQuery{
			PropertyID: propertyID,
			DateStart:  start,
			DateEnd:    end,
			ExcludeID:  excludeID,
		})
		if err != nil {
			return err
		}
		availability = a
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return &availability, nil
}

// ListBlocks は期間と重なる物件のカレンダーブロックを返します
func (s *Service) ListBlocks(ctx context.Context, propertyID int64, dateStart, dateEnd string) ([]model.Block, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.ListBlocks")
	defer seg.Close(nil)

	start, err := model.ParseDate("date_start", dateStart)
	if err != nil {
		return nil, err
	}
	end, err := model.ParseDate("date_end", dateEnd)
	if err != nil {
		return nil, err
	}
	if err := validateDateRange(start, end); err != nil {
		return nil, err
	}

	blocks, err := s.blocks.ListByProperty(ctx, propertyID, start, end)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	return blocks, nil
}

// ListPayments は予約の支払を登録順に返します
func (s *Service) ListPayments(ctx context.Context, reservationID int64) ([]model.Payment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.ListPayments")
	defer seg.Close(nil)

	if _, err := s.reservations.GetByID(ctx, reservationID); err != nil {
		seg.Close(err)
		return nil, err
	}

	payments, err := s.payments.ListByReservation(ctx, reservationID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	return payments, nil
}

// RegisterPayment は支払イベントを記録し、台帳に反映します
// 同じevent_idのイベントは一度だけ反映されます
func (s *Service) RegisterPayment(ctx context.Context, event model.PaymentEvent) (*model.PaymentReceipt, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.RegisterPayment")
	defer seg.Close(nil)

	if event.Type == "" {
		event.Type = model.PaymentEventRegistered
	}
	if err := validateStruct(s.validate, event); err != nil {
		return nil, err
	}
	if !event.Amount.IsPositive() {
		return nil, model.NewInputValidationError(model.ReasonInvalidAmount,
			"payment amount must be greater than 0, got %s", event.Amount)
	}
	if err := CheckMoney("amount", event.Amount); err != nil {
		return nil, err
	}
	payment, err := event.ToPayment()
	if err != nil {
		return nil, err
	}

	var receipt *model.PaymentReceipt
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		p := *payment
		r, err := s.reservations.GetByIDForUpdate(ctx, tx, p.ReservationID)
		if err != nil {
			return err
		}

		created, err := s.payments.Create(ctx, tx, &p)
		if err != nil {
			return err
		}
		if !created {
			if p.ReservationID != payment.ReservationID {
				return model.NewInputValidationError(model.ReasonEventIDConflict,
					"event %s was already applied to reservation %d", p.EventID, p.ReservationID)
			}
			receipt = &model.PaymentReceipt{
				Payment:     &p,
				Reservation: r,
				Status:      ClassifyTotals(r.Totals()),
				Duplicate:   true,
			}
			return nil
		}

		ledger, err := LedgerFromReservation(r)
		if err != nil {
			return err
		}
		advisory, err := ledger.ApplyPayment(p.Amount)
		if err != nil {
			return err
		}
		if err := s.updateTotals(ctx, tx, r, ledger); err != nil {
			return err
		}

		receipt = &model.PaymentReceipt{
			Payment:     &p,
			Reservation: r,
			Status:      ledger.Classify(),
			Advisory:    advisory,
		}
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	if receipt.Duplicate {
		log.Printf("Payment event %s already applied to reservation %d, skipped", receipt.Payment.EventID, receipt.Payment.ReservationID)
	} else if receipt.Advisory != "" {
		log.Printf("Overpayment on reservation %d: %s", receipt.Payment.ReservationID, receipt.Advisory)
	}

	return receipt, nil
}

// DeletePayment は支払を削除し、台帳から差し引きます
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) (*model.PaymentReceipt, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationService.DeletePayment")
	defer seg.Close(nil)

	var receipt *model.PaymentReceipt
	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		found, err := s.payments.GetByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		r, err := s.reservations.GetByIDForUpdate(ctx, tx, found.ReservationID)
		if err != nil {
			return err
		}
		payment, err := s.payments.Delete(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		ledger, err := LedgerFromReservation(r)
		if err != nil {
			return err
		}
		if err := ledger.RevertPayment(payment.Amount); err != nil {
			return err
		}
		if err := s.updateTotals(ctx, tx, r, ledger); err != nil {
			return err
		}

		receipt = &model.PaymentReceipt{
			Payment:     payment,
			Reservation: r,
			Status:      ledger.Classify(),
		}
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	return receipt, nil
}

// ApplyPaymentEvent は支払イベントの種類に応じて登録または削除を行います
func (s *Service) ApplyPaymentEvent(ctx context.Context, event model.PaymentEvent) (*model.PaymentReceipt, error) {
	switch event.Type {
	case "", model.PaymentEventRegistered:
		return s.RegisterPayment(ctx, event)
	case model.PaymentEventDeleted:
		if event.PaymentID <= 0 {
			return nil, model.NewInputValidationError(model.ReasonInvalidInput, "payment_id is required for %s", event.Type)
		}
		return s.DeletePayment(ctx, event.PaymentID)
	default:
		return nil, model.NewInputValidationError(model.ReasonInvalidInput, "unknown payment event type %q", event.Type)
	}
}

func (s *Service) updateTotals(ctx context.Context, tx *sqlx.Tx, r *model.Reservation, ledger *Ledger) error {
	totals := ledger.Totals()
	err := s.reservations.Update(ctx, tx, r.ID, map[string]interface{}{
		"total_paid":    totals.Paid,
		"total_pending": totals.Pending,
	})
	if err != nil {
		return fmt.Errorf("failed to update ledger of reservation %d: %w", r.ID, err)
	}
	r.SetTotals(totals)
	return nil
}

func withReservation(links []model.GuestLink, reservationID int64) []model.GuestLink {
	for i := range links {
		links[i].ReservationID = reservationID
	}
	return links
}
