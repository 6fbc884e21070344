package model

import "time"

// Block は管理者が閉じた物件カレンダーの期間です（このエンジンからは読み取りのみ）
type Block struct {
	ID         int64     `db:"id" json:"id"`
	PropertyID int64     `db:"property_id" json:"property_id"`
	DateStart  time.Time `db:"date_start" json:"date_start"`
	DateEnd    time.Time `db:"date_end" json:"date_end"`
	Reason     string    `db:"reason" json:"reason"`
}
