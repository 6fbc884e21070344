package reservation

import (
	"context"
	"log"
	"time"

	"github.com/uma-arai/sbcntr-reservation/internal/common/utils"
	"github.com/uma-arai/sbcntr-reservation/internal/integration/card"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

const defaultCardSyncTimeout = 10 * time.Second

// Lifecycle は予約ステータスの副作用を扱います
// ステータス遷移そのものは制限せず、どの値にも編集で変更できます
type Lifecycle struct {
	registrar card.Registrar
	timeout   time.Duration
}

func NewLifecycle(registrar card.Registrar, timeout time.Duration) *Lifecycle {
	if registrar == nil {
		registrar = card.NoopRegistrar{}
	}
	if timeout <= 0 {
		timeout = defaultCardSyncTimeout
	}
	return &Lifecycle{
		registrar: registrar,
		timeout:   timeout,
	}
}

// EntersConfirmed は今回の作成・編集で予約が新たに確定したかどうかを返します
func EntersConfirmed(prev *model.ReservationState, next model.ReservationState) bool {
	if next != model.StateConfirmed {
		return false
	}
	return prev == nil || *prev != model.StateConfirmed
}

// AfterCommit はコミット後に確定時のカード登録を行います
// 失敗してもエラーは返さずログに残すだけです
// 登録は同期的に呼ばれるため、Create/Editの応答は登録の完了か
// タイムアウト（CARD_SYNC_TIMEOUT、既定10秒）まで遅れます
func (l *Lifecycle) AfterCommit(ctx context.Context, reservationID int64, prev *model.ReservationState, next model.ReservationState) {
	if !EntersConfirmed(prev, next) {
		return
	}

	err := utils.RunWithTimeout(ctx, l.timeout, func(ctx context.Context) error {
		return l.registrar.CreateOrSyncCard(ctx, reservationID)
	})
	if err != nil {
		log.Printf("Card registration failed for reservation %d: %v", reservationID, err)
		return
	}
	log.Printf("Card registration requested for reservation %d", reservationID)
}
