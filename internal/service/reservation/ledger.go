package reservation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// Ledger は予約の (予約額, 支払額, 未払額) を管理します
// 未払額は常に max(0, 予約額 - 支払額) です
type Ledger struct {
	totals model.LedgerTotals
}

// 金額列は NUMERIC(14,2) です
const moneyScale = 2

var maxMoney = decimal.New(1, 12)

// CheckMoney は金額が小数点以下2桁以内で、列の上限に収まるかを確認します
// 丸めずに拒否します
func CheckMoney(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(moneyScale)) {
		return model.NewInputValidationError(model.ReasonInvalidAmount,
			"%s must have at most %d decimal places, got %s", field, moneyScale, d)
	}
	if d.Abs().GreaterThanOrEqual(maxMoney) {
		return model.NewInputValidationError(model.ReasonInvalidAmount,
			"%s must be less than %s, got %s", field, maxMoney, d)
	}
	return nil
}

// OpenLedger は作成時の台帳を作ります。paidがnilなら支払額は0です
func OpenLedger(reserved decimal.Decimal, paid *decimal.Decimal) (*Ledger, error) {
	if err := CheckMoney("total_reserved", reserved); err != nil {
		return nil, err
	}
	if !reserved.IsPositive() {
		return nil, model.NewInputValidationError(model.ReasonInvalidTotalReserved,
			"total_reserved must be greater than 0, got %s", reserved)
	}

	p := decimal.Zero
	if paid != nil {
		p = *paid
	}
	if err := CheckMoney("total_paid", p); err != nil {
		return nil, err
	}
	if p.IsNegative() || p.GreaterThan(reserved) {
		return nil, model.NewInputValidationError(model.ReasonOverpaymentAtCreation,
			"overpayment at creation: total_paid %s must be between 0 and total_reserved %s", p, reserved)
	}

	return newLedger(reserved, p), nil
}

// LedgerFromReservation は保存済みの予約から台帳を復元します
func LedgerFromReservation(r *model.Reservation) (*Ledger, error) {
	totals := r.Totals()
	if err := CheckTotals(totals); err != nil {
		return nil, fmt.Errorf("reservation %d: %w", r.ID, err)
	}
	return &Ledger{totals: totals}, nil
}

func newLedger(reserved, paid decimal.Decimal) *Ledger {
	l := &Ledger{totals: model.LedgerTotals{Reserved: reserved, Paid: paid}}
	l.recompute()
	return l
}

func (l *Ledger) recompute() {
	pending := l.totals.Reserved.Sub(l.totals.Paid)
	if pending.IsNegative() {
		pending = decimal.Zero
	}
	l.totals.Pending = pending
}

func (l *Ledger) Totals() model.LedgerTotals {
	return l.totals
}

// ApplyPayment は支払を加算します
// 予約額を超えても拒否せず、注意書き（advisory）を返します
func (l *Ledger) ApplyPayment(amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", model.NewInputValidationError(model.ReasonInvalidAmount, "payment amount must be greater than 0, got %s", amount)
	}
	if err := CheckMoney("amount", amount); err != nil {
		return "", err
	}
	paid := l.totals.Paid.Add(amount)
	if err := CheckMoney("total_paid", paid); err != nil {
		return "", err
	}

	l.totals.Paid = paid
	l.recompute()

	if l.totals.Paid.GreaterThan(l.totals.Reserved) {
		return fmt.Sprintf("total_paid %s exceeds total_reserved %s by %s",
			l.totals.Paid, l.totals.Reserved, l.totals.Paid.Sub(l.totals.Reserved)), nil
	}
	return "", nil
}

// RevertPayment は削除された支払を減算します。支払額は0未満になりません
func (l *Ledger) RevertPayment(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.NewInputValidationError(model.ReasonInvalidAmount, "payment amount must be greater than 0, got %s", amount)
	}

	paid := l.totals.Paid.Sub(amount)
	if paid.IsNegative() {
		paid = decimal.Zero
	}
	l.totals.Paid = paid
	l.recompute()
	return nil
}

// Reprice は予約額を変更し、未払額を再計算します
func (l *Ledger) Reprice(reserved decimal.Decimal) error {
	if err := CheckMoney("total_reserved", reserved); err != nil {
		return err
	}
	if !reserved.IsPositive() {
		return model.NewInputValidationError(model.ReasonInvalidTotalReserved,
			"total_reserved must be greater than 0, got %s", reserved)
	}
	l.totals.Reserved = reserved
	l.recompute()
	return nil
}

// SetPaid は編集で支払額が明示された場合に使います。作成時と同じ範囲制約です
func (l *Ledger) SetPaid(paid decimal.Decimal) error {
	if err := CheckMoney("total_paid", paid); err != nil {
		return err
	}
	if paid.IsNegative() || paid.GreaterThan(l.totals.Reserved) {
		return model.NewInputValidationError(model.ReasonTotalPaidOutOfRange,
			"total_paid %s must be between 0 and total_reserved %s", paid, l.totals.Reserved)
	}
	l.totals.Paid = paid
	l.recompute()
	return nil
}

// Classify は台帳から支払区分を導出します
func (l *Ledger) Classify() model.PaymentStatus {
	return ClassifyTotals(l.totals)
}

func ClassifyTotals(t model.LedgerTotals) model.PaymentStatus {
	switch {
	case t.Paid.IsZero():
		return model.PaymentStatusNone
	case t.Paid.GreaterThanOrEqual(t.Reserved):
		return model.PaymentStatusFull
	default:
		return model.PaymentStatusPartial
	}
}

// CheckTotals は保存された金額が整合しているかを確認します
func CheckTotals(t model.LedgerTotals) error {
	if !t.Reserved.IsPositive() {
		return model.NewConsistencyError("total_reserved must be greater than 0, got %s", t.Reserved)
	}
	if t.Paid.IsNegative() {
		return model.NewConsistencyError("total_paid must not be negative, got %s", t.Paid)
	}
	want := t.Reserved.Sub(t.Paid)
	if want.IsNegative() {
		want = decimal.Zero
	}
	if !t.Pending.Equal(want) {
		return model.NewConsistencyError("total_pending %s does not match max(0, %s - %s)", t.Pending, t.Reserved, t.Paid)
	}
	return nil
}
