package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// PostgreSQL SQLSTATE
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgExclusionViolation   = "23P01"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
)

const reservationCodeConstraint = "reservations_code_key"

func pqErrorCode(err error) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}

// IsRetryable はトランザクションを最初からやり直せば成功し得るエラーかどうかを返します
func IsRetryable(err error) bool {
	code, _ := pqErrorCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

// translateError はストレージ側の制約違反をドメインエラーに変換します
// 排他制約（reservations_no_overlap）はアプリ側のチェックをすり抜けた重複予約の最終防衛線です
func translateError(err error) error {
	code, constraint := pqErrorCode(err)
	switch {
	case code == pgExclusionViolation:
		return &model.Error{
			Code:    model.CodeAvailabilityConflict,
			Reason:  model.ReasonReservationOverlap,
			Message: "reservation overlap",
			Err:     err,
		}
	case code == pgUniqueViolation && constraint == reservationCodeConstraint:
		return &model.Error{
			Code:    model.CodeConsistency,
			Message: "reservation code already taken",
			Err:     err,
		}
	// CHECK制約違反と桁あふれは再試行の対象外です
	case code == pgCheckViolation:
		return &model.Error{
			Code:    model.CodeConsistency,
			Message: fmt.Sprintf("check constraint %s violated", constraint),
			Err:     err,
		}
	case code == pgNumericOutOfRange:
		return &model.Error{
			Code:    model.CodeConsistency,
			Message: "numeric value out of range",
			Err:     err,
		}
	}
	return err
}
