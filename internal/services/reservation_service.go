package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/bus"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/events"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/repositories"
)

// Failure reasons carried in book-reserve-failed events.
const (
	ReasonMissingFields = "missing required fields"
	ReasonBookNotFound  = "book not found"
	ReasonNoCopies      = "no copies available"
)

// ErrItemNotFound is returned when the requested inventory item does not exist.
var ErrItemNotFound = errors.New("book not found")

// ReservationService is the inventory-side saga participant. It translates
// reservation requests into atomic counter mutations and emits exactly one
// outcome event per request; cancel and return events are compensations that
// put the copy back. It never calls the borrow side synchronously.
type ReservationService interface {
	OnReserveRequested(ctx context.Context, evt events.BookReserveRequested) error
	OnReservationCancelled(ctx context.Context, evt events.BookReservationCancelled) error
	OnBookReturned(ctx context.Context, evt events.BookReturned) error

	CreateItem(ctx context.Context, title, author, isbn string, totalCopies int) (*models.InventoryItem, error)
	GetItem(ctx context.Context, bookID string) (*models.InventoryItem, error)
}

type reservationService struct {
	db              *gorm.DB
	inventoryRepo   repositories.InventoryRepository
	reservationRepo repositories.ReservationRepository
	publisher       bus.Publisher
	logger          *zap.Logger
	now             func() time.Time
}

// NewReservationService wires up the inventory-side participant. now may be
// nil, in which case the wall clock is used.
func NewReservationService(
	db *gorm.DB,
	inventoryRepo repositories.InventoryRepository,
	reservationRepo repositories.ReservationRepository,
	publisher bus.Publisher,
	logger *zap.Logger,
	now func() time.Time,
) ReservationService {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &reservationService{
		db:              db,
		inventoryRepo:   inventoryRepo,
		reservationRepo: reservationRepo,
		publisher:       publisher,
		logger:          logger,
		now:             now,
	}
}

// ─── Reservation Request ──────────────────────────────────────────────────────

// OnReserveRequested attempts the atomic conditional decrement and emits the
// outcome. The check-then-decrement runs as a single conditional UPDATE, so
// two racing requests for the last copy cannot both win: the loser sees zero
// rows affected and takes the failure path. A Reservation row keyed by the
// borrow id makes the handler idempotent: a redelivered request finds the row,
// leaves the counters alone and republishes the recorded outcome, so a publish
// failure after commit costs a redelivery rather than the outcome.
func (s *reservationService) OnReserveRequested(ctx context.Context, evt events.BookReserveRequested) error {
	if evt.BookID == "" || evt.UserID == "" {
		s.logger.Warn("reserve request missing fields",
			zap.String("borrowId", evt.BorrowID))
		return s.publishFailed(ctx, evt, ReasonMissingFields)
	}

	var (
		item     *models.InventoryItem
		prior    *models.Reservation
		reason   string
		reserved bool
	)

	err := inTx(s.db, func(tx *gorm.DB) error {
		existing, err := s.reservationRepo.GetByBorrowID(tx, evt.BorrowID)
		if err == nil {
			prior = existing
			return errAlreadyProcessed
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		item, err = s.inventoryRepo.GetByID(tx, evt.BookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				reason = ReasonBookNotFound
				return s.recordOutcome(tx, evt, models.ReservationStatusFailed, reason)
			}
			return err
		}

		ok, err := s.inventoryRepo.DecrementAvailable(tx, evt.BookID)
		if err != nil {
			return err
		}
		if !ok {
			reason = ReasonNoCopies
			return s.recordOutcome(tx, evt, models.ReservationStatusFailed, reason)
		}

		reserved = true
		return s.recordOutcome(tx, evt, models.ReservationStatusReserved, "")
	})
	if errors.Is(err, errAlreadyProcessed) {
		return s.republishOutcome(ctx, evt, prior)
	}
	if err != nil {
		return err
	}

	if !reserved {
		return s.publishFailed(ctx, evt, reason)
	}

	s.logger.Info("copy reserved",
		zap.String("borrowId", evt.BorrowID),
		zap.String("bookId", evt.BookID))

	// Denormalized display data rides along so downstream consumers need no lookups.
	return publish(ctx, s.publisher, events.TopicBookReserved, evt.BorrowID, evt.BorrowID, events.BookReserved{
		BorrowID:  evt.BorrowID,
		BookID:    evt.BookID,
		UserID:    evt.UserID,
		BookTitle: item.Title,
		Author:    item.Author,
		ISBN:      item.ISBN,
	})
}

// errAlreadyProcessed aborts the transaction without surfacing an error.
var errAlreadyProcessed = errors.New("reservation already processed")

// republishOutcome re-emits the outcome recorded for a request handled before.
// The first handling may have committed its row and then failed to publish;
// deterministic event ids make this re-emission a duplicate of the original
// outcome rather than a second one.
func (s *reservationService) republishOutcome(ctx context.Context, evt events.BookReserveRequested, prior *models.Reservation) error {
	s.logger.Info("reserve request already processed, republishing outcome",
		zap.String("borrowId", evt.BorrowID),
		zap.String("status", string(prior.Status)))

	switch prior.Status {
	case models.ReservationStatusFailed:
		return s.publishFailed(ctx, evt, prior.Reason)
	case models.ReservationStatusReserved:
		item, err := s.inventoryRepo.GetByID(nil, prior.BookID)
		if err != nil {
			return err
		}
		return publish(ctx, s.publisher, events.TopicBookReserved, evt.BorrowID, evt.BorrowID, events.BookReserved{
			BorrowID:  evt.BorrowID,
			BookID:    prior.BookID,
			UserID:    prior.UserID,
			BookTitle: item.Title,
			Author:    item.Author,
			ISBN:      item.ISBN,
		})
	default:
		// RELEASED: the saga is already past the outcome.
		return nil
	}
}

func (s *reservationService) recordOutcome(tx *gorm.DB, evt events.BookReserveRequested, status models.ReservationStatus, reason string) error {
	now := s.now()
	return s.reservationRepo.Create(tx, &models.Reservation{
		BorrowID:  evt.BorrowID,
		BookID:    evt.BookID,
		UserID:    evt.UserID,
		Status:    status,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *reservationService) publishFailed(ctx context.Context, evt events.BookReserveRequested, reason string) error {
	s.logger.Warn("reservation failed",
		zap.String("borrowId", evt.BorrowID),
		zap.String("bookId", evt.BookID),
		zap.String("reason", reason))
	return publish(ctx, s.publisher, events.TopicBookReserveFailed, evt.BorrowID, evt.BorrowID, events.BookReserveFailed{
		BorrowID: evt.BorrowID,
		BookID:   evt.BookID,
		UserID:   evt.UserID,
		Reason:   reason,
	})
}

// ─── Compensation / Restock ───────────────────────────────────────────────────

// OnReservationCancelled puts the copy back after the borrow side cancelled.
// Compensations never produce new failure events: anything unexpected is
// logged and dropped.
func (s *reservationService) OnReservationCancelled(ctx context.Context, evt events.BookReservationCancelled) error {
	_, err := s.restock(evt.BorrowID, evt.BookID)
	return err
}

// OnBookReturned puts the copy back and additionally announces the enriched
// book-return-confirmed fact for notification consumers. A redelivery finds
// the reservation already RELEASED and re-announces under the same event id,
// so a publish failure on the first delivery cannot swallow the confirmation.
func (s *reservationService) OnBookReturned(ctx context.Context, evt events.BookReturned) error {
	res, err := s.restock(evt.BorrowID, evt.BookID)
	if err != nil || res == nil {
		return err
	}

	item, err := s.inventoryRepo.GetByID(nil, res.BookID)
	if err != nil {
		s.logger.Warn("returned book unknown, skipping return confirmation",
			zap.String("borrowId", evt.BorrowID),
			zap.String("bookId", res.BookID),
			zap.Error(err))
		return nil
	}

	return publish(ctx, s.publisher, events.TopicBookReturnConfirmed, res.BorrowID, res.BorrowID, events.BookReturnConfirmed{
		BorrowID:  res.BorrowID,
		BookID:    res.BookID,
		UserID:    res.UserID,
		BookTitle: item.Title,
		Author:    item.Author,
		ISBN:      item.ISBN,
	})
}

// restock releases the reservation and increments the counter. It returns the
// released reservation, including one already RELEASED by an earlier delivery,
// so the caller can republish a confirmation whose first publish failed. A nil
// reservation means nothing was ever taken for this borrow.
func (s *reservationService) restock(borrowID, bookID string) (*models.Reservation, error) {
	if borrowID == "" {
		s.logger.Warn("restock event without borrow id, dropping")
		return nil, nil
	}

	var (
		released *models.Reservation
		applied  bool
	)
	err := inTx(s.db, func(tx *gorm.DB) error {
		res, err := s.reservationRepo.GetByBorrowIDForUpdate(tx, borrowID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.logger.Warn("restock for unknown reservation, dropping",
					zap.String("borrowId", borrowID),
					zap.String("bookId", bookID))
				return nil
			}
			return err
		}

		switch res.Status {
		case models.ReservationStatusReleased:
			s.logger.Debug("restock already applied",
				zap.String("borrowId", borrowID))
			released = res
			return nil
		case models.ReservationStatusReserved:
			ok, err := s.inventoryRepo.IncrementAvailable(tx, res.BookID)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Warn("restock found counters already full",
					zap.String("bookId", res.BookID))
			}
			if err := s.reservationRepo.UpdateStatus(tx, borrowID, models.ReservationStatusReleased); err != nil {
				return err
			}
			res.Status = models.ReservationStatusReleased
			released = res
			applied = true
			return nil
		default:
			// FAILED: no copy was ever taken for this borrow.
			s.logger.Warn("restock for failed reservation, dropping",
				zap.String("borrowId", borrowID))
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("copy restocked",
			zap.String("borrowId", borrowID),
			zap.String("bookId", released.BookID))
	}
	return released, nil
}

// ─── Inventory Seeding ────────────────────────────────────────────────────────

// CreateItem registers a title with its copy counters. Catalog management
// proper lives elsewhere; this exists so the ledger can be stocked at all.
func (s *reservationService) CreateItem(ctx context.Context, title, author, isbn string, totalCopies int) (*models.InventoryItem, error) {
	now := s.now()
	item := &models.InventoryItem{
		ID:              uuid.NewString(),
		Title:           title,
		Author:          author,
		ISBN:            isbn,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := inTx(s.db, func(tx *gorm.DB) error {
		return s.inventoryRepo.Create(tx, item)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("inventory item created",
		zap.String("bookId", item.ID),
		zap.Int("copies", totalCopies))
	return item, nil
}

func (s *reservationService) GetItem(ctx context.Context, bookID string) (*models.InventoryItem, error) {
	item, err := s.inventoryRepo.GetByID(nil, bookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}
