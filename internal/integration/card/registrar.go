package card

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"
)

// Registrar は宿泊登録カード（行政向けの宿泊者登録）を作成・同期するポートです
// 予約が確定（confirmada）になったときに呼ばれます
type Registrar interface {
	CreateOrSyncCard(ctx context.Context, reservationID int64) error
}

// NoopRegistrar は何もしないRegistrarです。ローカル実行やテストで使います
type NoopRegistrar struct{}

func (NoopRegistrar) CreateOrSyncCard(ctx context.Context, reservationID int64) error {
	log.Printf("Card registration skipped for reservation %d (no-op registrar)", reservationID)
	return nil
}

// SFNAPI は SFNRegistrar が利用する Step Functions クライアントのメソッドです
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// SFNRegistrar はカード登録用のステートマシンを起動します
type SFNRegistrar struct {
	client          SFNAPI
	stateMachineARN string
}

func NewSFNRegistrar(client SFNAPI, stateMachineARN string) *SFNRegistrar {
	return &SFNRegistrar{
		client:          client,
		stateMachineARN: stateMachineARN,
	}
}

type cardRegistrationInput struct {
	ReservationID int64     `json:"reservation_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// CreateOrSyncCard はステートマシンの実行を開始します。実行の完了は待ちません
func (r *SFNRegistrar) CreateOrSyncCard(ctx context.Context, reservationID int64) error {
	ctx, seg := xray.BeginSubsegment(ctx, "CardRegistrar.CreateOrSyncCard")
	defer seg.Close(nil)

	if r.client == nil || r.stateMachineARN == "" {
		err := fmt.Errorf("card registration state machine is not configured")
		seg.Close(err)
		return err
	}

	payload, err := json.Marshal(cardRegistrationInput{
		ReservationID: reservationID,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to marshal card registration input: %w", err)
	}

	// 実行名はステートマシン内で一意である必要がある
	name := fmt.Sprintf("card-%d-%s", reservationID, uuid.NewString())

	out, err := r.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(r.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(payload)),
	})
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to start card registration for reservation %d: %w", reservationID, err)
	}

	log.Printf("Card registration started for reservation %d: %s", reservationID, aws.ToString(out.ExecutionArn))
	return nil
}
