package reservation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// CreateInput は予約作成の入力です
type CreateInput struct {
	PropertyID     int64            `json:"property_id" validate:"required,gt=0"`
	DateStart      string           `json:"date_start" validate:"required"`
	DateEnd        string           `json:"date_end" validate:"required"`
	GuestCount     int              `json:"guest_count" validate:"required,gt=0"`
	PriceTotal     *decimal.Decimal `json:"price_total,omitempty"`
	TotalReserved  decimal.Decimal  `json:"total_reserved"`
	TotalPaid      *decimal.Decimal `json:"total_paid,omitempty"`
	State          string           `json:"state,omitempty"`
	OriginPlatform string           `json:"origin_platform,omitempty"`
	Observations   string           `json:"observations,omitempty" validate:"max=2000"`
	Guests         []GuestInput     `json:"guests" validate:"dive"`
}

// EditInput は予約編集の入力です。nilの項目は変更しません
// Guests を指定した場合は宿泊者の関連を丸ごと置き換えます
type EditInput struct {
	PropertyID     *int64           `json:"property_id,omitempty" validate:"omitempty,gt=0"`
	DateStart      *string          `json:"date_start,omitempty"`
	DateEnd        *string          `json:"date_end,omitempty"`
	GuestCount     *int             `json:"guest_count,omitempty" validate:"omitempty,gt=0"`
	PriceTotal     *decimal.Decimal `json:"price_total,omitempty"`
	TotalReserved  *decimal.Decimal `json:"total_reserved,omitempty"`
	TotalPaid      *decimal.Decimal `json:"total_paid,omitempty"`
	State          *string          `json:"state,omitempty"`
	OriginPlatform *string          `json:"origin_platform,omitempty"`
	Observations   *string          `json:"observations,omitempty" validate:"omitempty,max=2000"`
	Guests         []GuestInput     `json:"guests,omitempty" validate:"omitempty,dive"`
}

// GuestInput は宿泊者の入力です
// CityOfResidence, CityOfOrigin, TravelReason は代表者（IsPrincipal）の場合だけ保存されます
type GuestInput struct {
	// 編集時にIDを指定すると既存の宿泊者を更新します
	ID              *int64 `json:"id,omitempty" validate:"omitempty,gt=0"`
	Name            string `json:"name" validate:"required,max=120"`
	Surname         string `json:"surname" validate:"max=120"`
	Email           string `json:"email" validate:"omitempty,email"`
	Phone           string `json:"phone" validate:"max=40"`
	DocumentType    string `json:"document_type" validate:"max=20"`
	DocumentNumber  string `json:"document_number" validate:"required,max=40"`
	BirthDate       string `json:"birth_date,omitempty"`
	IsPrincipal     bool   `json:"is_principal"`
	CityOfResidence string `json:"city_of_residence,omitempty"`
	CityOfOrigin    string `json:"city_of_origin,omitempty"`
	TravelReason    string `json:"travel_reason,omitempty"`
}

func (g GuestInput) principalExtra() *model.PrincipalGuestExtra {
	if !g.IsPrincipal {
		return nil
	}
	return &model.PrincipalGuestExtra{
		CityOfResidence: g.CityOfResidence,
		CityOfOrigin:    g.CityOfOrigin,
		TravelReason:    g.TravelReason,
	}
}

// validateStruct は validator のエラーを InputValidationError に変換します
func validateStruct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate input: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return &model.Error{
		Code:    model.CodeInputValidation,
		Reason:  model.ReasonInvalidInput,
		Message: strings.Join(msgs, "; "),
		Err:     err,
	}
}
