package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/bus"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/events"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
)

// In-memory repository fakes. They ignore the transaction argument; the
// services are constructed with a nil *gorm.DB so handlers run outside any
// transaction.

type fakeBorrowRepo struct {
	mu   sync.Mutex
	recs map[string]models.BorrowRecord
}

func newFakeBorrowRepo() *fakeBorrowRepo {
	return &fakeBorrowRepo{recs: make(map[string]models.BorrowRecord)}
}

func (r *fakeBorrowRepo) Create(_ *gorm.DB, rec *models.BorrowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.ID] = *rec
	return nil
}

func (r *fakeBorrowRepo) GetByID(_ *gorm.DB, id string) (*models.BorrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *fakeBorrowRepo) GetByIDForUpdate(db *gorm.DB, id string) (*models.BorrowRecord, error) {
	return r.GetByID(db, id)
}

func (r *fakeBorrowRepo) Update(_ *gorm.DB, rec *models.BorrowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	r.recs[rec.ID] = *rec
	return nil
}

func (r *fakeBorrowRepo) ListByUser(_ *gorm.DB, userID string) ([]models.BorrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BorrowRecord
	for _, rec := range r.recs {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeBorrowRepo) ListAll(_ *gorm.DB) ([]models.BorrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BorrowRecord
	for _, rec := range r.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeBorrowRepo) ListOverdue(_ *gorm.DB, asOf time.Time) ([]models.BorrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BorrowRecord
	for _, rec := range r.recs {
		if rec.IsOverdue(asOf) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeInventoryRepo struct {
	mu    sync.Mutex
	items map[string]models.InventoryItem
}

func newFakeInventoryRepo() *fakeInventoryRepo {
	return &fakeInventoryRepo{items: make(map[string]models.InventoryItem)}
}

func (r *fakeInventoryRepo) Create(_ *gorm.DB, item *models.InventoryItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = *item
	return nil
}

func (r *fakeInventoryRepo) GetByID(_ *gorm.DB, id string) (*models.InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &item, nil
}

func (r *fakeInventoryRepo) DecrementAvailable(_ *gorm.DB, bookID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[bookID]
	if !ok || item.AvailableCopies <= 0 {
		return false, nil
	}
	item.AvailableCopies--
	r.items[bookID] = item
	return true, nil
}

func (r *fakeInventoryRepo) IncrementAvailable(_ *gorm.DB, bookID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[bookID]
	if !ok || item.AvailableCopies >= item.TotalCopies {
		return false, nil
	}
	item.AvailableCopies++
	r.items[bookID] = item
	return true, nil
}

func (r *fakeInventoryRepo) available(bookID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[bookID].AvailableCopies
}

type fakeReservationRepo struct {
	mu   sync.Mutex
	resv map[string]models.Reservation
}

func newFakeReservationRepo() *fakeReservationRepo {
	return &fakeReservationRepo{resv: make(map[string]models.Reservation)}
}

func (r *fakeReservationRepo) Create(_ *gorm.DB, res *models.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resv[res.BorrowID] = *res
	return nil
}

func (r *fakeReservationRepo) GetByBorrowID(_ *gorm.DB, borrowID string) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resv[borrowID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &res, nil
}

func (r *fakeReservationRepo) GetByBorrowIDForUpdate(db *gorm.DB, borrowID string) (*models.Reservation, error) {
	return r.GetByBorrowID(db, borrowID)
}

func (r *fakeReservationRepo) UpdateStatus(_ *gorm.DB, borrowID string, status models.ReservationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resv[borrowID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	res.Status = status
	r.resv[borrowID] = res
	return nil
}

// recordingPublisher captures published messages for assertions.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, bus.Message{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *recordingPublisher) onTopic(topic string) []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Message
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// flakyPublisher fails the next n publishes, then records like
// recordingPublisher. Simulates a broker outage between commit and publish.
type flakyPublisher struct {
	recordingPublisher
	remainingFailures int
}

func (p *flakyPublisher) failNext(n int) {
	p.mu.Lock()
	p.remainingFailures = n
	p.mu.Unlock()
}

func (p *flakyPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	if p.remainingFailures > 0 {
		p.remainingFailures--
		p.mu.Unlock()
		return errors.New("broker unavailable")
	}
	p.mu.Unlock()
	return p.recordingPublisher.Publish(ctx, topic, key, value)
}

// decodePayload unwraps the envelope in msg and decodes its payload into v.
func decodePayload(msg bus.Message, v any) error {
	env, err := events.Unmarshal(msg.Value)
	if err != nil {
		return err
	}
	return env.Decode(v)
}
