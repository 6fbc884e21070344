package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout は予約日付の入出力フォーマットです
const DateLayout = "2006-01-02"

// ReservationState は予約ステータスです。永続化される値はそのまま往復させます
type ReservationState string

const (
	StatePending   ReservationState = "pendiente"
	StateConfirmed ReservationState = "confirmada"
	StateInProcess ReservationState = "en_proceso"
	StateCompleted ReservationState = "completada"
	StateCancelled ReservationState = "cancelada"
)

// DefaultState は作成時にステータスが指定されなかった場合の値です
const DefaultState = StatePending

var reservationStates = []ReservationState{
	StatePending, StateConfirmed, StateInProcess, StateCompleted, StateCancelled,
}

func (s ReservationState) Valid() bool {
	for _, v := range reservationStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal はこれ以上のワークフローを持たないステータスかどうかを返します
func (s ReservationState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ParseReservationState は文字列をステータスに変換します。空文字はデフォルト（pendiente）です
func ParseReservationState(v string) (ReservationState, error) {
	if strings.TrimSpace(v) == "" {
		return DefaultState, nil
	}
	s := ReservationState(v)
	if !s.Valid() {
		return "", NewInputValidationError("invalid_state", "unknown reservation state %q", v)
	}
	return s, nil
}

// OriginPlatform は予約の流入チャネルです
type OriginPlatform string

const (
	OriginAirbnb  OriginPlatform = "airbnb"
	OriginBooking OriginPlatform = "booking"
	OriginWebsite OriginPlatform = "pagina_web"
	OriginDirect  OriginPlatform = "directa"
)

const DefaultOriginPlatform = OriginDirect

func (o OriginPlatform) Valid() bool {
	switch o {
	case OriginAirbnb, OriginBooking, OriginWebsite, OriginDirect:
		return true
	}
	return false
}

// ParseOriginPlatform は文字列をチャネルに変換します。空文字はdirectaです
func ParseOriginPlatform(v string) (OriginPlatform, error) {
	if strings.TrimSpace(v) == "" {
		return DefaultOriginPlatform, nil
	}
	o := OriginPlatform(v)
	if !o.Valid() {
		return "", NewInputValidationError("invalid_origin_platform", "unknown origin platform %q", v)
	}
	return o, nil
}

// Reservation は物件の期間予約です。期間は半開区間 [DateStart, DateEnd) です
type Reservation struct {
	ID             int64            `db:"id" json:"id"`
	Code           string           `db:"code" json:"code"`
	CompanyID      int64            `db:"company_id" json:"company_id"`
	PropertyID     int64            `db:"property_id" json:"property_id"`
	DateStart      time.Time        `db:"date_start" json:"date_start"`
	DateEnd        time.Time        `db:"date_end" json:"date_end"`
	GuestCount     int              `db:"guest_count" json:"guest_count"`
	PriceTotal     decimal.Decimal  `db:"price_total" json:"price_total"`
	TotalReserved  decimal.Decimal  `db:"total_reserved" json:"total_reserved"`
	TotalPaid      decimal.Decimal  `db:"total_paid" json:"total_paid"`
	TotalPending   decimal.Decimal  `db:"total_pending" json:"total_pending"`
	State          ReservationState `db:"state" json:"state"`
	OriginPlatform OriginPlatform   `db:"origin_platform" json:"origin_platform"`
	Observations   string           `db:"observations" json:"observations"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`

	// スナップショット用。永続化はguest_reservationsで行います
	Guests []LinkedGuest `db:"-" json:"guests,omitempty"`
}

// Totals は予約の台帳（予約額・支払額・未払額）を返します
func (r *Reservation) Totals() LedgerTotals {
	return LedgerTotals{
		Reserved: r.TotalReserved,
		Paid:     r.TotalPaid,
		Pending:  r.TotalPending,
	}
}

// SetTotals は台帳の値を予約に反映します
func (r *Reservation) SetTotals(t LedgerTotals) {
	r.TotalReserved = t.Reserved
	r.TotalPaid = t.Paid
	r.TotalPending = t.Pending
}

// Occupies は予約が物件のタイムラインを占有しているかどうかを返します
func (r *Reservation) Occupies() bool {
	return r.State != StateCancelled
}

// LedgerTotals は予約の金額三つ組です
type LedgerTotals struct {
	Reserved decimal.Decimal `json:"total_reserved"`
	Paid     decimal.Decimal `json:"total_paid"`
	Pending  decimal.Decimal `json:"total_pending"`
}

// PaymentStatus は台帳から導出される支払区分です（保存はしません）
type PaymentStatus string

const (
	PaymentStatusNone    PaymentStatus = "no_payment"
	PaymentStatusPartial PaymentStatus = "partial_payment"
	PaymentStatusFull    PaymentStatus = "fully_paid"
)

// ReservationFilter は一覧取得の条件です。nilの項目は条件に含めません
// DateStart/DateEnd は期間と交差する予約を対象にします
type ReservationFilter struct {
	CompanyID      *int64
	PropertyID     *int64
	State          *ReservationState
	DateStart      *time.Time
	DateEnd        *time.Time
	OriginPlatform *OriginPlatform
}

// Availability は空き状況の確認結果です
type Availability struct {
	ConflictingReservations int `json:"conflicting_reservations"`
	ConflictingBlocks       int `json:"conflicting_blocks"`
}

func (a Availability) Free() bool {
	return a.ConflictingReservations == 0 && a.ConflictingBlocks == 0
}

// VoidResult は予約の取消（anular）の結果です
type VoidResult struct {
	ID    int64            `json:"id"`
	State ReservationState `json:"state"`
}

// ParseDate は YYYY-MM-DD 形式の日付をUTCの0時として解釈します
func ParseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, NewInputValidationError("invalid_date", "%s must be a date in %s format", field, DateLayout)
	}
	return t, nil
}
