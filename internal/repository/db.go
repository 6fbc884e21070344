package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const defaultMaxTxAttempts = 3

type DB struct {
	*sqlx.DB

	// シリアライズ失敗（40001/40P01）時に何回までトランザクションを試行するか
	MaxTxAttempts int
}

// TxFunc はトランザクション内で実行される処理です
// 再試行されることがあるため、トランザクション外の状態を変更してはいけません
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// Transactor はトランザクション境界を提供します
type Transactor interface {
	RunInTx(ctx context.Context, fn TxFunc) error
}

// RunInTx はSERIALIZABLE分離レベルのトランザクションでfnを実行します
// fnがエラーを返した場合はロールバックし、シリアライズ失敗の場合は再試行します
func (db *DB) RunInTx(ctx context.Context, fn TxFunc) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.RunInTx")
	defer seg.Close(nil)

	attempts := db.MaxTxAttempts
	if attempts <= 0 {
		attempts = defaultMaxTxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		log.Printf("transaction serialization failure (attempt %d/%d), retrying: %v", attempt, attempts, err)
		select {
		case <-ctx.Done():
			seg.Close(ctx.Err())
			return fmt.Errorf("transaction retry aborted: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}

	seg.Close(err)
	return err
}

func (db *DB) runOnce(ctx context.Context, fn TxFunc) error {
	tx, err := db.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// panicしてもコネクションを返す
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("rollback failed: %v, original error: %v", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translateError(err))
	}

	return nil
}

// GetContext wraps sqlx.DB.GetContext with X-Ray tracing
func (db *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Get")
	if seg == nil {
		return db.DB.GetContext(ctx, dest, query, args...)
	}
	defer seg.Close(nil)

	if err := seg.AddMetadata("query", query); err != nil {
		log.Printf("Failed to add query metadata: %v", err)
	}

	if err := db.DB.GetContext(ctx, dest, query, args...); err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

// SelectContext wraps sqlx.DB.SelectContext with X-Ray tracing
func (db *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Select")
	if seg == nil {
		return db.DB.SelectContext(ctx, dest, query, args...)
	}
	defer seg.Close(nil)

	if err := seg.AddMetadata("query", query); err != nil {
		log.Printf("Failed to add query metadata: %v", err)
	}

	if err := db.DB.SelectContext(ctx, dest, query, args...); err != nil {
		seg.Close(err)
		return err
	}

	return nil
}
