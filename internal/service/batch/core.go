package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/database"
	"github.com/uma-arai/sbcntr-reservation/internal/integration/card"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
	"github.com/uma-arai/sbcntr-reservation/internal/service/reservation"
)

// TaskNotifier はStep Functionsへタスクの完了を通知するクライアントです
type TaskNotifier interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// openReservationService はDB接続を開き、予約エンジンを組み立てます
func openReservationService(cfg *config.Config, sfnClient *sfn.Client) (*database.DB, *reservation.Service, error) {
	db, err := database.NewDB(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := &repository.DB{DB: db.DB, MaxTxAttempts: cfg.Reservation.MaxTxAttempts}

	var registrar card.Registrar = card.NoopRegistrar{}
	if sfnClient != nil && cfg.SFN.CardRegistrationStateMachineARN != "" {
		registrar = card.NewSFNRegistrar(sfnClient, cfg.SFN.CardRegistrationStateMachineARN)
	} else {
		log.Printf("Card registration state machine is not configured. Using no-op registrar")
	}

	svc := reservation.NewService(reservation.Dependencies{
		Transactor:      repoDb,
		Reservations:    repository.NewReservationRepository(repoDb),
		Guests:          repository.NewGuestRepository(repoDb),
		Blocks:          repository.NewBlockRepository(repoDb),
		Payments:        repository.NewPaymentRepository(repoDb),
		CardRegistrar:   registrar,
		CardSyncTimeout: cfg.Reservation.CardSyncTimeout,
	})
	return db, svc, nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、結果を返却します
func sendTaskSuccess(ctx context.Context, notifier TaskNotifier, cfg *config.Config, result any) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if cfg.IsLocal() || notifier == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal task output: %w", err)
	}

	taskToken := cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	_, err = notifier.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success (%d bytes)", len(output))
	return nil
}
