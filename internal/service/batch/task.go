package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/utils"
)

// ローカル実行やキュー受信モードで使うタスクトークン
const dummyTaskToken = "DUMMY_TASK_TOKEN"

// TaskFailureNotifier はStep Functionsへタスクの失敗を通知するクライアントです
type TaskFailureNotifier interface {
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// TaskTokenFromArgs は最後の引数をタスクトークンとして返します
// requiredがfalseの場合はダミーのトークンを返します
func TaskTokenFromArgs(args []string, required bool) (string, error) {
	if !required {
		return dummyTaskToken, nil
	}
	if len(args) == 0 {
		return "", errors.New("task token is required")
	}
	return args[len(args)-1], nil
}

// ConfigureTracing はトレースが有効な場合にX-Rayを設定します
func ConfigureTracing(cfg *config.Config) error {
	if !cfg.EnableTracing {
		return nil
	}

	if err := xray.Configure(xray.Config{
		DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
		ServiceVersion: "1.0.0",
	}); err != nil {
		log.Printf("Failed to configure X-Ray: %v", err)
		// X-Ray設定失敗時はデフォルトの設定を使用
		if configErr := xray.Configure(xray.Config{}); configErr != nil {
			return fmt.Errorf("failed to configure default X-Ray settings: %w", configErr)
		}
	}
	os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	return nil
}

// NewSFNClient はStep Functionsクライアントを作成します。ローカルではnilを返します
func NewSFNClient(ctx context.Context, cfg *config.Config) (*sfn.Client, error) {
	if cfg.IsLocal() {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sfn.NewFromConfig(awsCfg), nil
}

// sendTaskFailure はStep Functionsへタスクの失敗を通知します
func sendTaskFailure(ctx context.Context, notifier TaskFailureNotifier, cfg *config.Config, errorName string, cause error) error {
	if cfg.IsLocal() || notifier == nil {
		log.Printf("Local environment detected. Skipping Step Functions task failure notification")
		return nil
	}

	_, err := notifier.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(cfg.SFN.TaskToken),
		Error:     aws.String(errorName),
		Cause:     aws.String(cause.Error()),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

// RunTask はタイムアウト付きでバッチを実行し、失敗した場合はerrorNameでタスクの失敗を通知します
// シグナル等でctxがキャンセルされた場合も失敗として通知します
func RunTask(ctx context.Context, cfg *config.Config, notifier TaskFailureNotifier, errorName string, timeout time.Duration, run func(context.Context) error) error {
	err := utils.RunWithTimeout(ctx, timeout, run)
	if err == nil {
		log.Println("Batch process completed successfully")
		return nil
	}

	log.Printf("Batch process failed: %v", err)
	// 通知は元のctxのキャンセルに影響されないようにする
	if notifyErr := sendTaskFailure(context.Background(), notifier, cfg, errorName, err); notifyErr != nil {
		log.Printf("%v", utils.GetStackWithError(notifyErr))
	}
	return err
}
