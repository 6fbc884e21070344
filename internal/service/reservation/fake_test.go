package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/uma-arai/sbcntr-reservation/internal/model"
	"github.com/uma-arai/sbcntr-reservation/internal/repository"
)

// memStore はテスト用のインメモリストアです
// txMu でトランザクションを直列化し、失敗時はスナップショットに戻します
type memStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	reservations map[int64]model.Reservation
	guests       map[int64]model.Guest
	links        map[int64][]model.GuestLink
	payments     map[int64]model.Payment
	blocks       []model.Block
	properties   map[int64]int64
	counters     map[int]int
	lockedProps  []int64
	seq          int64
}

func newMemStore() *memStore {
	return &memStore{
		reservations: map[int64]model.Reservation{},
		guests:       map[int64]model.Guest{},
		links:        map[int64][]model.GuestLink{},
		payments:     map[int64]model.Payment{},
		// property_id -> company_id
		properties: map[int64]int64{1: 100, 2: 100, 3: 200},
		counters:   map[int]int{},
	}
}

func (m *memStore) nextID() int64 {
	m.seq++
	return m.seq
}

type memSnapshot struct {
	reservations map[int64]model.Reservation
	guests       map[int64]model.Guest
	links        map[int64][]model.GuestLink
	payments     map[int64]model.Payment
	counters     map[int]int
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := memSnapshot{
		reservations: make(map[int64]model.Reservation, len(m.reservations)),
		guests:       make(map[int64]model.Guest, len(m.guests)),
		links:        make(map[int64][]model.GuestLink, len(m.links)),
		payments:     make(map[int64]model.Payment, len(m.payments)),
		counters:     make(map[int]int, len(m.counters)),
	}
	for k, v := range m.reservations {
		s.reservations[k] = v
	}
	for k, v := range m.guests {
		s.guests[k] = v
	}
	for k, v := range m.links {
		s.links[k] = append([]model.GuestLink(nil), v...)
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.counters {
		s.counters[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reservations = s.reservations
	m.guests = s.guests
	m.links = s.links
	m.payments = s.payments
	m.counters = s.counters
}

func (m *memStore) reservationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reservations)
}

func (m *memStore) guestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guests)
}

func (m *memStore) addBlock(propertyID int64, start, end string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, model.Block{
		ID:         int64(len(m.blocks) + 1),
		PropertyID: propertyID,
		DateStart:  mustDate(start),
		DateEnd:    mustDate(end),
		Reason:     "mantenimiento",
	})
}

// fakeTransactor はmemStoreに対するトランザクションです
type fakeTransactor struct {
	store *memStore
}

func (f *fakeTransactor) RunInTx(ctx context.Context, fn repository.TxFunc) error {
	f.store.txMu.Lock()
	defer f.store.txMu.Unlock()

	snap := f.store.snapshot()
	if err := fn(ctx, nil); err != nil {
		f.store.restore(snap)
		return err
	}
	return nil
}

type fakeReservationRepo struct {
	store *memStore
}

func (r *fakeReservationRepo) GetByID(ctx context.Context, id int64) (*model.Reservation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	res, ok := r.store.reservations[id]
	if !ok {
		return nil, model.NewNotFoundError("reservation %d not found", id)
	}
	return &res, nil
}

func (r *fakeReservationRepo) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Reservation, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeReservationRepo) ListByFilters(ctx context.Context, filter model.ReservationFilter) ([]model.Reservation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := []model.Reservation{}
	for _, res := range r.store.reservations {
		switch {
		case filter.CompanyID != nil && res.CompanyID != *filter.CompanyID:
			continue
		case filter.PropertyID != nil && res.PropertyID != *filter.PropertyID:
			continue
		case filter.State != nil && res.State != *filter.State:
			continue
		case filter.OriginPlatform != nil && res.OriginPlatform != *filter.OriginPlatform:
			continue
		case filter.DateStart != nil && !res.DateEnd.After(*filter.DateStart):
			continue
		case filter.DateEnd != nil && !res.DateStart.Before(*filter.DateEnd):
			continue
		}
		result = append(result, res)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (r *fakeReservationRepo) Create(ctx context.Context, tx *sqlx.Tx, reservation *model.Reservation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	companyID, ok := r.store.properties[reservation.PropertyID]
	if !ok {
		return model.NewNotFoundError("property %d not found", reservation.PropertyID)
	}
	reservation.ID = r.store.nextID()
	reservation.CompanyID = companyID
	reservation.UpdatedAt = reservation.CreatedAt

	stored := *reservation
	stored.Guests = nil
	r.store.reservations[stored.ID] = stored
	return nil
}

func (r *fakeReservationRepo) Update(ctx context.Context, tx *sqlx.Tx, id int64, fields map[string]interface{}) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, ok := r.store.reservations[id]
	if !ok {
		return model.NewNotFoundError("reservation %d not found", id)
	}
	for column, v := range fields {
		if !repository.UpdatableReservationColumns[column] {
			continue
		}
		switch column {
		case "date_start":
			res.DateStart = v.(time.Time)
		case "date_end":
			res.DateEnd = v.(time.Time)
		case "property_id":
			res.PropertyID = v.(int64)
		case "guest_count":
			res.GuestCount = v.(int)
		case "price_total":
			res.PriceTotal = v.(decimal.Decimal)
		case "total_reserved":
			res.TotalReserved = v.(decimal.Decimal)
		case "total_paid":
			res.TotalPaid = v.(decimal.Decimal)
		case "total_pending":
			res.TotalPending = v.(decimal.Decimal)
		case "state":
			res.State = model.ReservationState(v.(string))
		case "observations":
			res.Observations = v.(string)
		case "origin_platform":
			res.OriginPlatform = model.OriginPlatform(v.(string))
		}
	}
	r.store.reservations[id] = res
	return nil
}

func (r *fakeReservationRepo) CountOverlapping(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time, excludeID *int64) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, res := range r.store.reservations {
		if res.PropertyID != propertyID || res.State == model.StateCancelled {
			continue
		}
		if excludeID != nil && res.ID == *excludeID {
			continue
		}
		if res.DateStart.Before(dateEnd) && dateStart.Before(res.DateEnd) {
			count++
		}
	}
	return count, nil
}

func (r *fakeReservationRepo) VoidByID(ctx context.Context, tx *sqlx.Tx, id int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, ok := r.store.reservations[id]
	if !ok || res.State == model.StateCancelled {
		return model.NewNotFoundError("reservation %d not found or already cancelled", id)
	}
	res.State = model.StateCancelled
	r.store.reservations[id] = res
	return nil
}

func (r *fakeReservationRepo) NextCodeSequence(ctx context.Context, tx *sqlx.Tx, year int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	last, ok := r.store.counters[year]
	if !ok {
		for _, res := range r.store.reservations {
			if res.CreatedAt.Year() == year {
				last++
			}
		}
	}
	r.store.counters[year] = last + 1
	return last + 1, nil
}

func (r *fakeReservationRepo) LockPropertyTimeline(ctx context.Context, tx *sqlx.Tx, propertyID int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.lockedProps = append(r.store.lockedProps, propertyID)
	return nil
}

func (r *fakeReservationRepo) PropertyCompanyID(ctx context.Context, tx *sqlx.Tx, propertyID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	companyID, ok := r.store.properties[propertyID]
	if !ok {
		return 0, model.NewNotFoundError("property %d not found", propertyID)
	}
	return companyID, nil
}

type fakeGuestRepo struct {
	store   *memStore
	linkErr error
}

func (r *fakeGuestRepo) FindByDocumentNumbers(ctx context.Context, tx *sqlx.Tx, documentNumbers []string) (map[string]model.Guest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	wanted := map[string]bool{}
	for _, d := range documentNumbers {
		wanted[d] = true
	}
	found := map[string]model.Guest{}
	for _, g := range r.store.guests {
		if !wanted[g.DocumentNumber] {
			continue
		}
		if prev, ok := found[g.DocumentNumber]; !ok || g.ID < prev.ID {
			found[g.DocumentNumber] = g
		}
	}
	return found, nil
}

func (r *fakeGuestRepo) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Guest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	g, ok := r.store.guests[id]
	if !ok {
		return nil, model.NewNotFoundError("guest %d not found", id)
	}
	return &g, nil
}

func (r *fakeGuestRepo) CreateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	guest.ID = r.store.nextID()
	r.store.guests[guest.ID] = *guest
	return nil
}

func (r *fakeGuestRepo) UpdateGuest(ctx context.Context, tx *sqlx.Tx, guest *model.Guest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.guests[guest.ID]; !ok {
		return model.NewNotFoundError("guest %d not found", guest.ID)
	}
	r.store.guests[guest.ID] = *guest
	return nil
}

func (r *fakeGuestRepo) LinkGuestsToReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error {
	if r.linkErr != nil {
		return r.linkErr
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.links[reservationID] = append(r.store.links[reservationID], links...)
	return nil
}

func (r *fakeGuestRepo) ReplaceLinksForReservation(ctx context.Context, tx *sqlx.Tx, reservationID int64, links []model.GuestLink) error {
	r.store.mu.Lock()
	delete(r.store.links, reservationID)
	r.store.mu.Unlock()

	return r.LinkGuestsToReservation(ctx, tx, reservationID, links)
}

func (r *fakeGuestRepo) ListByReservation(ctx context.Context, reservationID int64) ([]model.LinkedGuest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	guests := []model.LinkedGuest{}
	for _, link := range r.store.links[reservationID] {
		guests = append(guests, model.LinkedGuest{Guest: r.store.guests[link.GuestID], IsPrincipal: link.IsPrincipal})
	}
	sort.SliceStable(guests, func(i, j int) bool {
		if guests[i].IsPrincipal != guests[j].IsPrincipal {
			return guests[i].IsPrincipal
		}
		return guests[i].ID < guests[j].ID
	})
	return guests, nil
}

type fakeBlockRepo struct {
	store *memStore
}

func (r *fakeBlockRepo) CountOverlappingBlocks(ctx context.Context, tx *sqlx.Tx, propertyID int64, dateStart, dateEnd time.Time) (int, error) {
	blocks, _ := r.ListByProperty(ctx, propertyID, dateStart, dateEnd)
	return len(blocks), nil
}

func (r *fakeBlockRepo) ListByProperty(ctx context.Context, propertyID int64, dateStart, dateEnd time.Time) ([]model.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	blocks := []model.Block{}
	for _, b := range r.store.blocks {
		if b.PropertyID == propertyID && b.DateStart.Before(dateEnd) && dateStart.Before(b.DateEnd) {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

type fakePaymentRepo struct {
	store *memStore
}

func (r *fakePaymentRepo) Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, p := range r.store.payments {
		if p.EventID == payment.EventID {
			*payment = p
			return false, nil
		}
	}
	payment.ID = r.store.nextID()
	r.store.payments[payment.ID] = *payment
	return true, nil
}

func (r *fakePaymentRepo) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	p, ok := r.store.payments[id]
	if !ok {
		return nil, model.NewNotFoundError("payment %d not found", id)
	}
	return &p, nil
}

func (r *fakePaymentRepo) Delete(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.payments[id]
	if !ok {
		return nil, model.NewNotFoundError("payment %d not found", id)
	}
	delete(r.store.payments, id)
	return &p, nil
}

func (r *fakePaymentRepo) ListByReservation(ctx context.Context, reservationID int64) ([]model.Payment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	payments := []model.Payment{}
	for _, p := range r.store.payments {
		if p.ReservationID == reservationID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return payments, nil
}

// fakeRegistrar はカード登録の呼び出しを記録します
type fakeRegistrar struct {
	mu       sync.Mutex
	calls    []int64
	err      error
	panicMsg string
}

func (f *fakeRegistrar) CreateOrSyncCard(ctx context.Context, reservationID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, reservationID)
	f.mu.Unlock()

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.err
}

func (f *fakeRegistrar) called() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type testEnv struct {
	svc       *Service
	store     *memStore
	guests    *fakeGuestRepo
	registrar *fakeRegistrar
}

var testNow = time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	store := newMemStore()
	guests := &fakeGuestRepo{store: store}
	registrar := &fakeRegistrar{}

	svc := NewService(Dependencies{
		Transactor:      &fakeTransactor{store: store},
		Reservations:    &fakeReservationRepo{store: store},
		Guests:          guests,
		Blocks:          &fakeBlockRepo{store: store},
		Payments:        &fakePaymentRepo{store: store},
		CardRegistrar:   registrar,
		CardSyncTimeout: time.Second,
	})
	svc.now = func() time.Time { return testNow }

	return &testEnv{svc: svc, store: store, guests: guests, registrar: registrar}
}

func mustDate(v string) time.Time {
	t, err := time.Parse(model.DateLayout, v)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func decStrPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func strPtr(v string) *string {
	return &v
}

func principal(doc string) GuestInput {
	return GuestInput{
		Name:            "Ana",
		Surname:         "Gomez",
		DocumentType:    "CC",
		DocumentNumber:  doc,
		BirthDate:       "1990-05-01",
		IsPrincipal:     true,
		CityOfResidence: "Bogota",
		CityOfOrigin:    "Cali",
		TravelReason:    "turismo",
	}
}

func companion(doc string) GuestInput {
	return GuestInput{
		Name:           "Luis",
		Surname:        "Perez",
		DocumentType:   "CC",
		DocumentNumber: doc,
		// 代表者以外の追加項目は保存されない
		CityOfResidence: "Medellin",
	}
}

func createInput(propertyID int64, start, end string) CreateInput {
	return CreateInput{
		PropertyID:    propertyID,
		DateStart:     start,
		DateEnd:       end,
		GuestCount:    2,
		TotalReserved: dec(450000),
		Guests:        []GuestInput{principal("12345678"), companion("87654321")},
	}
}

func newEventID() string {
	return uuid.NewString()
}

func int64Ptr(v int64) *int64 {
	return &v
}
