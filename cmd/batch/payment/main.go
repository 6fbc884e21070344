package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/utils"
	"github.com/uma-arai/sbcntr-reservation/internal/consumer"
	"github.com/uma-arai/sbcntr-reservation/internal/service/batch"
)

const (
	projectName = "sbcntr-reservation-payment"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	input := flag.String("input", "", `支払イベントのJSON（{"events": [...]}）`)
	consume := flag.Bool("consume", false, "RabbitMQのキューから支払イベントを受け取り続ける")
	flag.Parse()

	// キュー受信モードとローカル実行ではタスクトークンを取得しない
	taskToken, err := batch.TaskTokenFromArgs(flag.Args(), !*consume && os.Getenv("ENV") != "LOCAL")
	if err != nil {
		log.Fatalf("Failed to read task token: %v", err)
	}

	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v", utils.GetStackWithError(err))
	}

	if err := batch.ConfigureTracing(cfg); err != nil {
		log.Fatalf("Failed to configure tracing: %v", err)
	}

	sfnClient, err := batch.NewSFNClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create Step Functions client: %v", utils.GetStackWithError(err))
	}

	service, err := batch.NewPaymentBatchService(cfg, sfnClient)
	if err != nil {
		log.Fatalf("Failed to create payment batch service: %v", utils.GetStackWithError(err))
	}
	defer service.Close()

	// シグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *consume {
		runConsumer(ctx, cfg, service)
		return
	}

	events, err := batch.ParsePaymentEvents([]byte(*input))
	if err != nil {
		log.Fatalf("Failed to parse input: %v", err)
	}
	service.SetArgs(events)

	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("event_count", len(events)); err != nil {
			log.Printf("Failed to add event_count metadata: %v", err)
		}
	}

	if err := batch.RunTask(ctx, cfg, sfnClient, "PaymentBatchFailed", *timeout, service.Run); err != nil {
		service.Close()
		os.Exit(1)
	}
}

// runConsumer はシグナルを受けるまでキューの支払イベントを処理します
func runConsumer(ctx context.Context, cfg *config.Config, service *batch.PaymentBatchService) {
	c, err := consumer.NewPaymentConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.PaymentQueue, service)
	if err != nil {
		log.Fatalf("Failed to create payment consumer: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("Failed to close payment consumer: %v", err)
		}
	}()

	if err := c.Run(ctx); err != nil {
		log.Printf("Payment consumer failed: %v", err)
		return
	}
	log.Println("Payment consumer stopped")
}
