package model

import (
	"errors"
	"fmt"
)

// ErrorCode は予約エンジンが返すエラーの分類コードです
type ErrorCode string

const (
	CodeInputValidation      ErrorCode = "INPUT_VALIDATION"
	CodeAvailabilityConflict ErrorCode = "AVAILABILITY_CONFLICT"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicateDocument    ErrorCode = "DUPLICATE_DOCUMENT"
	CodeConsistency          ErrorCode = "CONSISTENCY"
)

// エラー理由（Reason）は同じ分類コード内でのより細かい原因を表します
const (
	ReasonGuestCountMismatch    = "guest_count_mismatch"
	ReasonMissingPrincipal      = "missing_principal"
	ReasonMultiplePrincipal     = "multiple_principal"
	ReasonInvalidBirthDate      = "invalid_birth_date"
	ReasonOverpaymentAtCreation = "overpayment_at_creation"
	ReasonReservationOverlap    = "reservation_overlap"
	ReasonCalendarBlock         = "calendar_block"

	ReasonInvalidInput            = "invalid_input"
	ReasonInvalidDateRange        = "invalid_date_range"
	ReasonInvalidTotalReserved    = "invalid_total_reserved"
	ReasonTotalPaidOutOfRange     = "total_paid_out_of_range"
	ReasonInvalidAmount           = "invalid_amount"
	ReasonPropertyCompanyMismatch = "property_company_mismatch"
	ReasonEventIDConflict         = "event_id_conflict"
	ReasonDuplicateGuest          = "duplicate_guest"
)

// Error は予約エンジンのドメインエラーです
// 呼び出し側はCodeでトランスポート層のステータスに変換します
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は分類コードが一致すればtrueを返します
// センチネル（ErrNotFound等）との比較に使います
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrInputValidation      = &Error{Code: CodeInputValidation}
	ErrAvailabilityConflict = &Error{Code: CodeAvailabilityConflict}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrDuplicateDocument    = &Error{Code: CodeDuplicateDocument}
	ErrConsistency          = &Error{Code: CodeConsistency}
)

func NewInputValidationError(reason, format string, args ...interface{}) *Error {
	return &Error{Code: CodeInputValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func NewAvailabilityConflictError(reason, message string) *Error {
	return &Error{Code: CodeAvailabilityConflict, Reason: reason, Message: message}
}

func NewNotFoundError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewDuplicateDocumentError(documentNumber string) *Error {
	return &Error{
		Code:    CodeDuplicateDocument,
		Message: fmt.Sprintf("document number %s appears more than once in the guest list", documentNumber),
	}
}

func NewConsistencyError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConsistency, Message: fmt.Sprintf(format, args...)}
}

// ErrorResult は呼び出し側へ返す構造化されたエラー結果です
type ErrorResult struct {
	Code    ErrorCode `json:"code"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message"`
}

// AsResult はエラーを構造化された結果に変換します
// ドメインエラー以外はINTERNALとして扱います
func AsResult(err error) *ErrorResult {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return &ErrorResult{
			Code:    domainErr.Code,
			Reason:  domainErr.Reason,
			Message: domainErr.Message,
		}
	}
	return &ErrorResult{Code: "INTERNAL", Message: err.Error()}
}
