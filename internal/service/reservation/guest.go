package reservation

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
)

const maxGuestAge = 120

// ResolveMode は宿泊者解決のモードです
type ResolveMode int

const (
	// ModeCreate では一致した既存の宿泊者を上書きしません
	ModeCreate ResolveMode = iota
	// ModeEdit ではIDを指定された宿泊者の項目を更新します
	ModeEdit
)

// ValidatedGuest は検証済みの宿泊者入力です
type ValidatedGuest struct {
	Input          GuestInput
	DocumentNumber string
	BirthDate      *time.Time
}

// GuestIdentityResolver は宿泊者入力を書類番号で既存の宿泊者に突き合わせます
type GuestIdentityResolver struct {
	guests repository.GuestRepository
}

func NewGuestIdentityResolver(guests repository.GuestRepository) *GuestIdentityResolver {
	return &GuestIdentityResolver{guests: guests}
}

// Validate は書き込みの前に宿泊者リストを検証します
// 人数 -> 代表者 -> 書類番号の重複 -> 生年月日 の順に確認します
func (r *GuestIdentityResolver) Validate(guests []GuestInput, declaredCount int, now time.Time) ([]ValidatedGuest, error) {
	if len(guests) != declaredCount {
		return nil, model.NewInputValidationError(model.ReasonGuestCountMismatch,
			"guest_count is %d but %d guests were submitted", declaredCount, len(guests))
	}

	principals := 0
	for _, g := range guests {
		if g.IsPrincipal {
			principals++
		}
	}
	switch {
	case principals == 0:
		return nil, model.NewInputValidationError(model.ReasonMissingPrincipal, "missing principal guest")
	case principals > 1:
		return nil, model.NewInputValidationError(model.ReasonMultiplePrincipal, "multiple principal guests")
	}

	validated := make([]ValidatedGuest, len(guests))
	seen := make(map[string]bool, len(guests))
	for i, g := range guests {
		doc := model.NormalizeDocumentNumber(g.DocumentNumber)
		if seen[doc] {
			return nil, model.NewDuplicateDocumentError(doc)
		}
		seen[doc] = true
		validated[i] = ValidatedGuest{Input: g, DocumentNumber: doc}
	}

	for i, g := range guests {
		birthDate, err := parseBirthDate(g.BirthDate, now)
		if err != nil {
			return nil, err
		}
		validated[i].BirthDate = birthDate
	}

	return validated, nil
}

// 空文字は未入力として扱います
func parseBirthDate(v string, now time.Time) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}

	birth, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return nil, model.NewInputValidationError(model.ReasonInvalidBirthDate, "birth_date %q is not a valid date", v)
	}

	age := ageAt(birth, now)
	if age < 0 || age > maxGuestAge {
		return nil, model.NewInputValidationError(model.ReasonInvalidBirthDate,
			"birth_date %s implies an age of %d", v, age)
	}
	return &birth, nil
}

func ageAt(birth, now time.Time) int {
	if now.Before(birth) {
		return -1
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

// Resolve は検証済みの宿泊者を保存済みの宿泊者に解決し、予約との関連を返します
// 一致するものがなければ作成します
func (r *GuestIdentityResolver) Resolve(ctx context.Context, tx *sqlx.Tx, guests []ValidatedGuest, mode ResolveMode) ([]model.GuestLink, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "GuestIdentityResolver.Resolve")
	defer seg.Close(nil)

	docs := make([]string, len(guests))
	for i, g := range guests {
		docs[i] = g.DocumentNumber
	}

	existing, err := r.guests.FindByDocumentNumbers(ctx, tx, docs)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	// 書き込みの前に各入力がどの宿泊者になるかを決め、同じ宿泊者への重複した関連を拒否します
	// 0 は新規作成を表します
	targets := make([]int64, len(guests))
	linked := make(map[int64]int, len(guests))
	for i, g := range guests {
		switch found, ok := existing[g.DocumentNumber]; {
		case mode == ModeEdit && g.Input.ID != nil:
			targets[i] = *g.Input.ID
		case ok:
			targets[i] = found.ID
		}
		if targets[i] == 0 {
			continue
		}
		if prev, dup := linked[targets[i]]; dup {
			err := model.NewInputValidationError(model.ReasonDuplicateGuest,
				"guests #%d and #%d resolve to the same guest %d", prev+1, i+1, targets[i])
			seg.Close(err)
			return nil, err
		}
		linked[targets[i]] = i
	}

	links := make([]model.GuestLink, 0, len(guests))
	for i, g := range guests {
		guestID := targets[i]

		switch {
		case mode == ModeEdit && g.Input.ID != nil:
			updated, err := r.updateGuest(ctx, tx, guestID, g)
			if err != nil {
				seg.Close(err)
				return nil, err
			}
			guestID = updated.ID
		case guestID == 0:
			guest := newGuest(g)
			if err := r.guests.CreateGuest(ctx, tx, guest); err != nil {
				seg.Close(err)
				return nil, err
			}
			guestID = guest.ID
		}

		links = append(links, model.GuestLink{GuestID: guestID, IsPrincipal: g.Input.IsPrincipal})
	}

	return links, nil
}

func (r *GuestIdentityResolver) updateGuest(ctx context.Context, tx *sqlx.Tx, id int64, g ValidatedGuest) (*model.Guest, error) {
	guest, err := r.guests.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	guest.Name = g.Input.Name
	guest.Surname = g.Input.Surname
	guest.Email = g.Input.Email
	guest.Phone = g.Input.Phone
	guest.DocumentType = g.Input.DocumentType
	guest.DocumentNumber = g.DocumentNumber
	guest.BirthDate = g.BirthDate
	guest.ApplyPrincipalExtra(g.Input.principalExtra())

	if err := r.guests.UpdateGuest(ctx, tx, guest); err != nil {
		return nil, err
	}
	return guest, nil
}

func newGuest(g ValidatedGuest) *model.Guest {
	guest := &model.Guest{
		Name:           g.Input.Name,
		Surname:        g.Input.Surname,
		Email:          g.Input.Email,
		Phone:          g.Input.Phone,
		DocumentType:   g.Input.DocumentType,
		DocumentNumber: g.DocumentNumber,
		BirthDate:      g.BirthDate,
	}
	guest.ApplyPrincipalExtra(g.Input.principalExtra())
	return guest
}
