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
	"github.com/uma-arai/sbcntr-reservation/internal/service/batch"
)

const (
	projectName = "sbcntr-reservation"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	input := flag.String("input", "", `予約コマンドのJSON（{"commands": [...]}）`)
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken, err := batch.TaskTokenFromArgs(flag.Args(), os.Getenv("ENV") != "LOCAL")
	if err != nil {
		log.Fatalf("Failed to read task token: %v", err)
	}

	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v", utils.GetStackWithError(err))
	}

	commands, err := batch.ParseReservationCommands([]byte(*input))
	if err != nil {
		log.Fatalf("Failed to parse input: %v", err)
	}

	if err := batch.ConfigureTracing(cfg); err != nil {
		log.Fatalf("Failed to configure tracing: %v", err)
	}

	sfnClient, err := batch.NewSFNClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create Step Functions client: %v", utils.GetStackWithError(err))
	}

	service, err := batch.NewReservationBatchService(cfg, sfnClient)
	if err != nil {
		log.Fatalf("Failed to create service: %v", utils.GetStackWithError(err))
	}
	defer service.Close()
	service.SetArgs(commands)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("command_count", len(commands)); err != nil {
			log.Printf("Failed to add command_count metadata: %v", err)
		}
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	if err := batch.RunTask(ctx, cfg, sfnClient, "ReservationBatchFailed", *timeout, service.Run); err != nil {
		service.Close()
		os.Exit(1)
	}
}
