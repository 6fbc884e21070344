package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
)

// CodeSequencer は RSV-<年>-<連番> 形式の予約コードを払い出します
// 採番は予約のINSERTと同じトランザクションで行います
type CodeSequencer struct {
	reservations repository.ReservationRepository
}

func NewCodeSequencer(reservations repository.ReservationRepository) *CodeSequencer {
	return &CodeSequencer{reservations: reservations}
}

// Next は now の年の次のコードを返します
func (s *CodeSequencer) Next(ctx context.Context, tx *sqlx.Tx, now time.Time) (string, error) {
	year := now.Year()
	seq, err := s.reservations.NextCodeSequence(ctx, tx, year)
	if err != nil {
		return "", err
	}
	return FormatCode(year, seq), nil
}

// FormatCode は連番を最低3桁にゼロ埋めします
func FormatCode(year, seq int) string {
	return fmt.Sprintf("RSV-%d-%03d", year, seq)
}
