package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/database"
	"github.com/uma-arai/sbcntr-reservation/internal/common/utils"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// PaymentEventApplier は支払イベントを台帳に反映する予約エンジンの操作です
type PaymentEventApplier interface {
	ApplyPaymentEvent(ctx context.Context, event model.PaymentEvent) (*model.PaymentReceipt, error)
}

// PaymentResult は支払イベント1件の処理結果です
type PaymentResult struct {
	EventID string                 `json:"event_id,omitempty"`
	Type    model.PaymentEventType `json:"type"`
	Receipt *model.PaymentReceipt  `json:"receipt,omitempty"`
	Error   *model.ErrorResult     `json:"error,omitempty"`
}

// ParsePaymentEvents はタスク入力 {"events": [...]} を解析します
func ParsePaymentEvents(data []byte) ([]model.PaymentEvent, error) {
	var input struct {
		Events []model.PaymentEvent `json:"events"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse payment events: %w", err)
	}
	return input.Events, nil
}

// PaymentBatchService は支払イベントのバッチ処理を担当します
// キューのコンシューマからもApplyを通して同じ処理を使います
type PaymentBatchService struct {
	args      []model.PaymentEvent
	results   []PaymentResult
	db        *database.DB
	applier   PaymentEventApplier
	sfnClient TaskNotifier
	cfg       *config.Config
}

// NewPaymentBatchService は新しいPaymentBatchServiceを作成します
func NewPaymentBatchService(cfg *config.Config, sfnClient *sfn.Client) (*PaymentBatchService, error) {
	db, svc, err := openReservationService(cfg, sfnClient)
	if err != nil {
		return nil, err
	}

	s := &PaymentBatchService{
		db:      db,
		applier: svc,
		cfg:     cfg,
	}
	if sfnClient != nil {
		s.sfnClient = sfnClient
	}
	return s, nil
}

// Close は終了処理を行います
func (s *PaymentBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetArgs は支払バッチ処理の引数を設定します
func (s *PaymentBatchService) SetArgs(args []model.PaymentEvent) {
	s.args = args
}

// Results は直前のRunの結果を返します
func (s *PaymentBatchService) Results() []PaymentResult {
	return s.results
}

// Apply は支払イベント1件を反映します
func (s *PaymentBatchService) Apply(ctx context.Context, event model.PaymentEvent) (*model.PaymentReceipt, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentBatchService.Apply")
	defer seg.Close(nil)

	receipt, err := s.applier.ApplyPaymentEvent(ctx, event)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	log.Printf("Payment event %s (%s) applied to reservation %d: status=%s pending=%s",
		receipt.Payment.EventID, event.Type, receipt.Reservation.ID, receipt.Status, receipt.Reservation.TotalPending)
	return receipt, nil
}

// Run は支払イベントを順に反映し、結果をStep Functionsへ返します
func (s *PaymentBatchService) Run(ctx context.Context) error {
	ctx, seg := xray.BeginSubsegment(ctx, "PaymentBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()
	log.Printf("Starting payment batch process for %d events...", len(s.args))

	results := make([]PaymentResult, 0, len(s.args))
	for _, event := range s.args {
		result := PaymentResult{EventID: event.EventID, Type: event.Type}

		receipt, err := s.Apply(ctx, event)
		if err != nil {
			var domainErr *model.Error
			if !errors.As(err, &domainErr) {
				seg.Close(err)
				return utils.GetStackWithError(fmt.Errorf("failed to apply payment event %s: %w", event.EventID, err))
			}
			log.Printf("Payment event %s rejected: %v", event.EventID, err)
			result.Error = model.AsResult(err)
		} else {
			result.Receipt = receipt
		}
		results = append(results, result)
	}
	s.results = results

	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg, map[string]any{"results": results}); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(err)
	}

	duration := time.Since(startTime)
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}

	log.Printf("Payment batch process completed successfully. Duration: %v", duration)
	return nil
}
