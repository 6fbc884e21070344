package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reservation/internal/common/config"
	"github.com/uma-arai/sbcntr-reservation/internal/common/database"
	"github.com/uma-arai/sbcntr-reservation/internal/common/utils"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
	"github.com/uma-arai/sbcntr-reservation/internal/service/reservation"
)

// ReservationCommander は予約コマンドを実行する予約エンジンの操作です
type ReservationCommander interface {
	Create(ctx context.Context, in reservation.CreateInput) (*model.Reservation, error)
	Edit(ctx context.Context, id int64, in reservation.EditInput) (*model.Reservation, error)
	Void(ctx context.Context, id int64) (*model.VoidResult, error)
	Get(ctx context.Context, id int64) (*model.Reservation, error)
	List(ctx context.Context, filter model.ReservationFilter) ([]model.Reservation, error)
	CheckAvailability(ctx context.Context, propertyID int64, dateStart, dateEnd string, excludeID *int64) (*model.Availability, error)
	ListBlocks(ctx context.Context, propertyID int64, dateStart, dateEnd string) ([]model.Block, error)
	ListPayments(ctx context.Context, reservationID int64) ([]model.Payment, error)
}

type ReservationAction string

const (
	ActionCreate            ReservationAction = "create"
	ActionEdit              ReservationAction = "edit"
	ActionVoid              ReservationAction = "void"
	ActionGet               ReservationAction = "get"
	ActionList              ReservationAction = "list"
	ActionCheckAvailability ReservationAction = "check_availability"
	ActionListBlocks        ReservationAction = "list_blocks"
	ActionListPayments      ReservationAction = "list_payments"
)

// ReservationCommand はタスク入力の1コマンドです
type ReservationCommand struct {
	Action       ReservationAction        `json:"action"`
	ID           int64                    `json:"id,omitempty"`
	Create       *reservation.CreateInput `json:"create,omitempty"`
	Edit         *reservation.EditInput   `json:"edit,omitempty"`
	Filter       *ListFilter              `json:"filter,omitempty"`
	Availability *AvailabilityRequest     `json:"availability,omitempty"`
}

// ListFilter は一覧取得の条件です。日付は YYYY-MM-DD です
type ListFilter struct {
	CompanyID      *int64  `json:"company_id,omitempty"`
	PropertyID     *int64  `json:"property_id,omitempty"`
	State          *string `json:"state,omitempty"`
	DateStart      *string `json:"date_start,omitempty"`
	DateEnd        *string `json:"date_end,omitempty"`
	OriginPlatform *string `json:"origin_platform,omitempty"`
}

func (f ListFilter) toModel() (model.ReservationFilter, error) {
	filter := model.ReservationFilter{
		CompanyID:  f.CompanyID,
		PropertyID: f.PropertyID,
	}
	if f.State != nil {
		state := model.ReservationState(*f.State)
		filter.State = &state
	}
	if f.OriginPlatform != nil {
		origin := model.OriginPlatform(*f.OriginPlatform)
		filter.OriginPlatform = &origin
	}
	if f.DateStart != nil {
		d, err := model.ParseDate("date_start", *f.DateStart)
		if err != nil {
			return model.ReservationFilter{}, err
		}
		filter.DateStart = &d
	}
	if f.DateEnd != nil {
		d, err := model.ParseDate("date_end", *f.DateEnd)
		if err != nil {
			return model.ReservationFilter{}, err
		}
		filter.DateEnd = &d
	}
	return filter, nil
}

// AvailabilityRequest は空き確認とブロック一覧の条件です
type AvailabilityRequest struct {
	PropertyID int64  `json:"property_id"`
	DateStart  string `json:"date_start"`
	DateEnd    string `json:"date_end"`
	ExcludeID  *int64 `json:"exclude_id,omitempty"`
}

// CommandResult はコマンドの実行結果です。ドメインエラーはErrorに入ります
type CommandResult struct {
	Action       ReservationAction   `json:"action"`
	ID           int64               `json:"id,omitempty"`
	Reservation  *model.Reservation  `json:"reservation,omitempty"`
	Reservations []model.Reservation `json:"reservations,omitempty"`
	Void         *model.VoidResult   `json:"void,omitempty"`
	Availability *model.Availability `json:"availability,omitempty"`
	Blocks       []model.Block       `json:"blocks,omitempty"`
	Payments     []model.Payment     `json:"payments,omitempty"`
	Error        *model.ErrorResult  `json:"error,omitempty"`
}

// ParseReservationCommands はタスク入力 {"commands": [...]} を解析します
// 空の入力はコマンドなしとして扱います
func ParseReservationCommands(data []byte) ([]ReservationCommand, error) {
	var input struct {
		Commands []ReservationCommand `json:"commands"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse reservation commands: %w", err)
	}
	return input.Commands, nil
}

// ReservationBatchService は予約コマンドのバッチ処理を担当します
type ReservationBatchService struct {
	args      []ReservationCommand
	results   []CommandResult
	db        *database.DB
	commander ReservationCommander
	sfnClient TaskNotifier
	cfg       *config.Config
}

// NewReservationBatchService は新しいReservationBatchServiceを作成します
func NewReservationBatchService(cfg *config.Config, sfnClient *sfn.Client) (*ReservationBatchService, error) {
	db, svc, err := openReservationService(cfg, sfnClient)
	if err != nil {
		return nil, err
	}

	s := &ReservationBatchService{
		db:        db,
		commander: svc,
		cfg:       cfg,
	}
	if sfnClient != nil {
		s.sfnClient = sfnClient
	}
	return s, nil
}

// Close は終了処理を行います
func (s *ReservationBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetArgs は予約バッチ処理の引数を設定します
func (s *ReservationBatchService) SetArgs(args []ReservationCommand) {
	s.args = args
}

// Results は直前のRunの結果を返します
func (s *ReservationBatchService) Results() []CommandResult {
	return s.results
}

// Run は予約コマンドを順に実行し、結果をStep Functionsへ返します
// ドメインエラーは結果に含めて処理を続け、それ以外のエラーでは処理を中断します
func (s *ReservationBatchService) Run(ctx context.Context) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ReservationBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()
	log.Printf("Starting reservation batch process for %d commands...", len(s.args))

	results := make([]CommandResult, 0, len(s.args))
	for i, cmd := range s.args {
		result, err := s.execute(ctx, cmd)
		if err != nil {
			var domainErr *model.Error
			if !errors.As(err, &domainErr) {
				seg.Close(err)
				return utils.GetStackWithError(fmt.Errorf("failed to execute command %d (%s): %w", i, cmd.Action, err))
			}
			log.Printf("Command %d (%s) rejected: %v", i, cmd.Action, err)
			result = CommandResult{Action: cmd.Action, ID: cmd.ID, Error: model.AsResult(err)}
		}
		results = append(results, result)
	}
	s.results = results

	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg, map[string]any{"results": results}); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(err)
	}

	duration := time.Since(startTime)
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}
	if err := seg.AddMetadata("command_count", len(s.args)); err != nil {
		log.Printf("Failed to add command_count metadata: %v", err)
	}

	log.Printf("Reservation batch process completed successfully. Duration: %v", duration)
	return nil
}

func (s *ReservationBatchService) execute(ctx context.Context, cmd ReservationCommand) (CommandResult, error) {
	result := CommandResult{Action: cmd.Action, ID: cmd.ID}

	switch cmd.Action {
	case ActionCreate:
		if cmd.Create == nil {
			return result, missingPayload(cmd.Action, "create")
		}
		r, err := s.commander.Create(ctx, *cmd.Create)
		if err != nil {
			return result, err
		}
		result.ID = r.ID
		result.Reservation = r
	case ActionEdit:
		if cmd.Edit == nil {
			return result, missingPayload(cmd.Action, "edit")
		}
		r, err := s.commander.Edit(ctx, cmd.ID, *cmd.Edit)
		if err != nil {
			return result, err
		}
		result.Reservation = r
	case ActionVoid:
		v, err := s.commander.Void(ctx, cmd.ID)
		if err != nil {
			return result, err
		}
		result.Void = v
	case ActionGet:
		r, err := s.commander.Get(ctx, cmd.ID)
		if err != nil {
			return result, err
		}
		result.Reservation = r
	case ActionList:
		var filter model.ReservationFilter
		if cmd.Filter != nil {
			f, err := cmd.Filter.toModel()
			if err != nil {
				return result, err
			}
			filter = f
		}
		rs, err := s.commander.List(ctx, filter)
		if err != nil {
			return result, err
		}
		result.Reservations = rs
	case ActionCheckAvailability:
		if cmd.Availability == nil {
			return result, missingPayload(cmd.Action, "availability")
		}
		q := cmd.Availability
		a, err := s.commander.CheckAvailability(ctx, q.PropertyID, q.DateStart, q.DateEnd, q.ExcludeID)
		if err != nil {
			return result, err
		}
		result.Availability = a
	case ActionListBlocks:
		if cmd.Availability == nil {
			return result, missingPayload(cmd.Action, "availability")
		}
		q := cmd.Availability
		blocks, err := s.commander.ListBlocks(ctx, q.PropertyID, q.DateStart, q.DateEnd)
		if err != nil {
			return result, err
		}
		result.Blocks = blocks
	case ActionListPayments:
		payments, err := s.commander.ListPayments(ctx, cmd.ID)
		if err != nil {
			return result, err
		}
		result.Payments = payments
	default:
		return result, model.NewInputValidationError(model.ReasonInvalidInput, "unknown action %q", cmd.Action)
	}

	return result, nil
}

func missingPayload(action ReservationAction, field string) error {
	return model.NewInputValidationError(model.ReasonInvalidInput, "%s command requires %q", action, field)
}
