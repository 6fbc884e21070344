package model

import (
	"strings"
	"time"
)

// Guest は宿泊者です。予約間で共有され、予約の編集で削除されることはありません
type Guest struct {
	ID              int64      `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Surname         string     `db:"surname" json:"surname"`
	Email           string     `db:"email" json:"email"`
	Phone           string     `db:"phone" json:"phone"`
	DocumentType    string     `db:"document_type" json:"document_type"`
	DocumentNumber  string     `db:"document_number" json:"document_number"`
	BirthDate       *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	CityOfResidence string     `db:"city_of_residence" json:"city_of_residence,omitempty"`
	CityOfOrigin    string     `db:"city_of_origin" json:"city_of_origin,omitempty"`
	TravelReason    string     `db:"travel_reason" json:"travel_reason,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// PrincipalGuestExtra は代表宿泊者だけが持つ追加項目です
type PrincipalGuestExtra struct {
	CityOfResidence string `json:"city_of_residence"`
	CityOfOrigin    string `json:"city_of_origin"`
	TravelReason    string `json:"travel_reason"`
}

// ApplyPrincipalExtra は代表宿泊者の追加項目をゲストに反映します
func (g *Guest) ApplyPrincipalExtra(extra *PrincipalGuestExtra) {
	if extra == nil {
		return
	}
	g.CityOfResidence = extra.CityOfResidence
	g.CityOfOrigin = extra.CityOfOrigin
	g.TravelReason = extra.TravelReason
}

// GuestLink は予約とゲストの関連です
type GuestLink struct {
	ReservationID int64 `db:"reservation_id" json:"reservation_id"`
	GuestID       int64 `db:"guest_id" json:"guest_id"`
	IsPrincipal   bool  `db:"is_principal" json:"is_principal"`
}

// LinkedGuest は予約スナップショットに含まれるゲストです
type LinkedGuest struct {
	Guest
	IsPrincipal bool `db:"is_principal" json:"is_principal"`
}

var documentNumberReplacer = strings.NewReplacer(" ", "", ".", "", "-", "", "\t", "")

// NormalizeDocumentNumber は書類番号を照合用の形に揃えます
// 例: " 12.345.678 " -> "12345678", "ab-123" -> "AB123"
func NormalizeDocumentNumber(v string) string {
	return strings.ToUpper(documentNumberReplacer.Replace(strings.TrimSpace(v)))
}
