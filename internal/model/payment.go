package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentEventType は外部から届く支払イベントの種類です
type PaymentEventType string

const (
	// PaymentEventRegistered は支払の登録イベントです
	PaymentEventRegistered PaymentEventType = "payment.registered"
	// PaymentEventDeleted は支払の削除イベントです
	PaymentEventDeleted PaymentEventType = "payment.deleted"
)

// PaymentEvent は支払イベントを受け取るための定義です
// バッチ・キューのアダプタ層で利用されます
type PaymentEvent struct {
	Type          PaymentEventType `json:"type"`
	EventID       string           `json:"event_id" validate:"omitempty,uuid"`
	ReservationID int64            `json:"reservation_id" validate:"required_if=Type payment.registered,gte=0"`
	PaymentID     int64            `json:"payment_id,omitempty" validate:"required_if=Type payment.deleted,gte=0"`
	Amount        decimal.Decimal  `json:"amount"`
	Method        string           `json:"method" validate:"max=50"`
	Concept       string           `json:"concept" validate:"max=255"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Payment は支払のドメインモデルです。追記のみで、削除すると支払額が戻ります
type Payment struct {
	ID            int64           `db:"id" json:"id"`
	ReservationID int64           `db:"reservation_id" json:"reservation_id"`
	EventID       uuid.UUID       `db:"event_id" json:"event_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        string          `db:"method" json:"method"`
	Concept       string          `db:"concept" json:"concept"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// ToPayment は登録イベントを支払レコードに変換します
// event_idが無いイベントには新しいIDを払い出します
func (e PaymentEvent) ToPayment() (*Payment, error) {
	if e.Type != PaymentEventRegistered {
		return nil, fmt.Errorf("event type %s cannot be converted to a payment", e.Type)
	}

	eventID := uuid.New()
	if strings.TrimSpace(e.EventID) != "" {
		parsed, err := uuid.Parse(e.EventID)
		if err != nil {
			return nil, NewInputValidationError("invalid_event_id", "event_id %q is not a valid UUID", e.EventID)
		}
		eventID = parsed
	}

	createdAt := e.OccurredAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return &Payment{
		ReservationID: e.ReservationID,
		EventID:       eventID,
		Amount:        e.Amount,
		Method:        e.Method,
		Concept:       e.Concept,
		CreatedAt:     createdAt,
	}, nil
}

// PaymentReceipt は支払登録の結果です
type PaymentReceipt struct {
	Payment     *Payment      `json:"payment"`
	Reservation *Reservation  `json:"reservation"`
	Status      PaymentStatus `json:"status"`
	// Advisory は支払額が予約額を超えた場合の注意書きです（拒否はしません）
	Advisory  string `json:"advisory,omitempty"`
	Duplicate bool   `json:"duplicate"`
}
