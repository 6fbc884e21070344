package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
)

// BlockRepository は物件カレンダーのブロック情報を参照するインターフェースです
// ブロックは管理画面側で作成されるため、ここでは読み取りのみです
type BlockRepository interface {
	CountOverlappingBlocks(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time) (int, error)
	ListByProperty(ctx context.Context, propertyID int64, dateStart, dateEnd time.Time) ([]model.Block, error)
}

// BlockRepositoryImpl はBlockRepositoryの実装です
type BlockRepositoryImpl struct {
	db *DB
}

// NewBlockRepository は新しいBlockRepositoryを作成します
func NewBlockRepository(db *DB) *BlockRepositoryImpl {
	return &BlockRepositoryImpl{
		db: db,
	}
}

// CountOverlappingBlocks は [dateStart, dateEnd) と重なるブロックの件数を返します
func (r *BlockRepositoryImpl) CountOverlappingBlocks(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time) (int, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BlockRepository.CountOverlappingBlocks")
	defer seg.Close(nil)

	query := `
		SELECT COUNT(*)
		FROM property_blocks
		WHERE property_id = $1
		AND date_start < $3
		AND $2 < date_end`

	var count int
	if err := tx.QueryRowxContext(ctx, query, propertyID, dateStart, dateEnd).Scan(&count); err != nil {
		seg.Close(err)
		return 0, fmt.Errorf("failed to count overlapping blocks: %w", err)
	}

	return count, nil
}

// ListByProperty は期間と重なるブロックを開始日順に返します
func (r *BlockRepositoryImpl) ListByProperty(ctx context.Context, propertyID int64, dateStart, dateEnd time.Time) ([]model.Block, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BlockRepository.ListByProperty")
	defer seg.Close(nil)

	query := `
		SELECT id, property_id, date_start, date_end, reason
		FROM property_blocks
		WHERE property_id = $1
		AND date_start < $3
		AND $2 < date_end
		ORDER BY date_start ASC`

	blocks := []model.Block{}
	if err := r.db.SelectContext(ctx, &blocks, query, propertyID, dateStart, dateEnd); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list blocks of property %d: %w", propertyID, err)
	}

	return blocks, nil
}
