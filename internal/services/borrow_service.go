package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/auth"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/bus"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/events"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/repositories"
)

// LoanPeriodDays is the number of days a user may keep a book.
const LoanPeriodDays = 14

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrBorrowNotFound is returned when the referenced borrow record does not exist.
	ErrBorrowNotFound = errors.New("borrow record not found")

	// ErrMissingFields is returned when a borrow is initiated without a book or user id.
	ErrMissingFields = errors.New("book id and user id are required")

	// ErrNotOwner is returned when the requester neither owns the borrow record
	// nor holds a privileged role.
	ErrNotOwner = errors.New("requester does not own this borrow")

	// ErrPrivilegeRequired is returned for queries restricted to librarians.
	ErrPrivilegeRequired = errors.New("librarian role required")

	// ErrCannotCancel is returned when a cancel is attempted on a record that is
	// not currently RESERVED.
	ErrCannotCancel = errors.New("cannot cancel in current state")

	// ErrCannotReturn is returned when a return is attempted on a record that is
	// not currently RESERVED.
	ErrCannotReturn = errors.New("cannot return in current state")
)

// ─── Service Interface ────────────────────────────────────────────────────────

// BorrowService is the borrow-side saga participant. It owns the BorrowRecord
// state machine (PENDING → RESERVED|FAILED, RESERVED → CANCELLED|RETURNED),
// initiates the saga, and reacts to reservation outcomes from the bus. All
// event handlers are idempotent and order-tolerant: they check the current
// status before transitioning, so duplicate or late deliveries are no-ops.
type BorrowService interface {
	InitiateBorrow(ctx context.Context, bookID, userID string) (*models.BorrowRecord, error)
	CancelBorrow(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error)
	ReturnBook(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error)

	OnBookReserved(ctx context.Context, evt events.BookReserved) error
	OnBookReserveFailed(ctx context.Context, evt events.BookReserveFailed) error

	GetBorrow(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error)
	ListUserBorrows(ctx context.Context, userID string, requester auth.Requester) ([]models.BorrowRecord, error)
	ListAllBorrows(ctx context.Context, requester auth.Requester) ([]models.BorrowRecord, error)
	ListOverdue(ctx context.Context, requester auth.Requester) ([]models.BorrowRecord, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type borrowService struct {
	db         *gorm.DB
	borrowRepo repositories.BorrowRecordRepository
	publisher  bus.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewBorrowService wires up the borrow-side participant. now may be nil, in
// which case the wall clock is used.
func NewBorrowService(
	db *gorm.DB,
	borrowRepo repositories.BorrowRecordRepository,
	publisher bus.Publisher,
	logger *zap.Logger,
	now func() time.Time,
) BorrowService {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &borrowService{
		db:         db,
		borrowRepo: borrowRepo,
		publisher:  publisher,
		logger:     logger,
		now:        now,
	}
}

// ─── Saga Initiation ──────────────────────────────────────────────────────────

// InitiateBorrow creates the borrow record in PENDING and publishes the
// reservation request. The record is durably persisted before the event goes
// out: a crash in between leaves a PENDING row with no event, which
// reconciliation can discover and republish, never an event with no record.
func (s *borrowService) InitiateBorrow(ctx context.Context, bookID, userID string) (*models.BorrowRecord, error) {
	if bookID == "" || userID == "" {
		return nil, ErrMissingFields
	}

	now := s.now()
	due := now.AddDate(0, 0, LoanPeriodDays)
	rec := &models.BorrowRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		BookID:    bookID,
		Status:    models.BorrowStatusPending,
		DueDate:   &due,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := inTx(s.db, func(tx *gorm.DB) error {
		return s.borrowRepo.Create(tx, rec)
	})
	if err != nil {
		s.logger.Error("failed to create borrow record",
			zap.String("bookId", bookID),
			zap.String("userId", userID),
			zap.Error(err))
		return nil, err
	}

	// Keyed by bookId so the inventory side handles requests for one title in order.
	err = publish(ctx, s.publisher, events.TopicBookReserveRequested, bookID, rec.ID, events.BookReserveRequested{
		BorrowID: rec.ID,
		BookID:   bookID,
		UserID:   userID,
	})
	if err != nil {
		s.logger.Error("reservation request publish failed, record left PENDING for reconciliation",
			zap.String("borrowId", rec.ID),
			zap.Error(err))
		return nil, fmt.Errorf("publish reservation request: %w", err)
	}

	s.logger.Info("borrow initiated",
		zap.String("borrowId", rec.ID),
		zap.String("bookId", bookID),
		zap.String("userId", userID))
	return rec, nil
}

// ─── Reservation Outcome Handlers ─────────────────────────────────────────────

// OnBookReserved transitions PENDING → RESERVED and publishes borrow-confirmed.
// A record already RESERVED means a redelivery: the transition is skipped but
// the confirmation is emitted again under its original event id, covering the
// case where the first publish failed after commit. Terminal records are left
// untouched.
func (s *borrowService) OnBookReserved(ctx context.Context, evt events.BookReserved) error {
	var rec *models.BorrowRecord
	var confirm, transitioned bool

	err := inTx(s.db, func(tx *gorm.DB) error {
		var err error
		rec, err = s.borrowRepo.GetByIDForUpdate(tx, evt.BorrowID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Redelivery will find the record once the initiator's write lands.
				return fmt.Errorf("%w: %s", ErrBorrowNotFound, evt.BorrowID)
			}
			return err
		}

		switch {
		case rec.Status == models.BorrowStatusReserved:
			s.logger.Debug("duplicate book-reserved, republishing confirmation",
				zap.String("borrowId", evt.BorrowID))
			confirm = true
			return nil
		case rec.Status.Terminal():
			s.logger.Warn("book-reserved for terminal record, ignoring",
				zap.String("borrowId", evt.BorrowID),
				zap.String("status", string(rec.Status)))
			return nil
		}

		due := s.now().AddDate(0, 0, LoanPeriodDays)
		rec.Status = models.BorrowStatusReserved
		rec.DueDate = &due
		rec.UpdatedAt = s.now()
		confirm = true
		transitioned = true
		return s.borrowRepo.Update(tx, rec)
	})
	if err != nil {
		return err
	}
	if !confirm {
		return nil
	}

	if transitioned {
		s.logger.Info("borrow reserved",
			zap.String("borrowId", rec.ID),
			zap.String("bookId", rec.BookID))
	}

	return publish(ctx, s.publisher, events.TopicBorrowConfirmed, rec.ID, rec.ID, events.BorrowConfirmed{
		BorrowID:  rec.ID,
		BookID:    rec.BookID,
		UserID:    rec.UserID,
		BookTitle: evt.BookTitle,
		Author:    evt.Author,
		ISBN:      evt.ISBN,
		DueDate:   *rec.DueDate,
	})
}

// OnBookReserveFailed transitions PENDING → FAILED. A record already FAILED
// means a redelivery and the failure notification goes out again under its
// original event id. A RESERVED or otherwise settled record lost a race with
// a later outcome and the event is ignored.
func (s *borrowService) OnBookReserveFailed(ctx context.Context, evt events.BookReserveFailed) error {
	var rec *models.BorrowRecord
	var notify, transitioned bool

	err := inTx(s.db, func(tx *gorm.DB) error {
		var err error
		rec, err = s.borrowRepo.GetByIDForUpdate(tx, evt.BorrowID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrBorrowNotFound, evt.BorrowID)
			}
			return err
		}

		switch {
		case rec.Status == models.BorrowStatusFailed:
			s.logger.Debug("duplicate book-reserve-failed, republishing failure",
				zap.String("borrowId", evt.BorrowID))
			notify = true
			return nil
		case rec.Status != models.BorrowStatusPending:
			s.logger.Debug("book-reserve-failed ignored, record no longer PENDING",
				zap.String("borrowId", evt.BorrowID),
				zap.String("status", string(rec.Status)))
			return nil
		}

		rec.Status = models.BorrowStatusFailed
		rec.DueDate = nil
		rec.UpdatedAt = s.now()
		notify = true
		transitioned = true
		return s.borrowRepo.Update(tx, rec)
	})
	if err != nil {
		return err
	}
	if !notify {
		return nil
	}

	if transitioned {
		s.logger.Info("borrow failed",
			zap.String("borrowId", rec.ID),
			zap.String("reason", evt.Reason))
	}

	return publish(ctx, s.publisher, events.TopicBorrowFailed, rec.ID, rec.ID, events.BorrowFailed{
		BorrowID:  rec.ID,
		BookID:    rec.BookID,
		UserID:    rec.UserID,
		BookTitle: evt.BookTitle,
		Reason:    evt.Reason,
	})
}

// ─── Cancel / Return ──────────────────────────────────────────────────────────

// CancelBorrow transitions RESERVED → CANCELLED and publishes the compensating
// book-reservation-cancelled event so the inventory side restocks the copy.
func (s *borrowService) CancelBorrow(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error) {
	rec, err := s.closeOut(borrowID, requester, models.BorrowStatusCancelled)
	if err != nil {
		return nil, err
	}

	s.logger.Info("borrow cancelled",
		zap.String("borrowId", rec.ID),
		zap.String("bookId", rec.BookID))

	err = publish(ctx, s.publisher, events.TopicBookReservationCancelled, rec.BookID, rec.ID, events.BookReservationCancelled{
		BorrowID: rec.ID,
		BookID:   rec.BookID,
	})
	if err != nil {
		s.logger.Error("cancel compensation publish failed",
			zap.String("borrowId", rec.ID),
			zap.Error(err))
		return nil, err
	}
	return rec, nil
}

// ReturnBook transitions RESERVED → RETURNED, stamps the return date and
// publishes book-returned so the inventory side restocks the copy.
func (s *borrowService) ReturnBook(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error) {
	rec, err := s.closeOut(borrowID, requester, models.BorrowStatusReturned)
	if err != nil {
		return nil, err
	}

	s.logger.Info("borrow returned",
		zap.String("borrowId", rec.ID),
		zap.String("bookId", rec.BookID))

	err = publish(ctx, s.publisher, events.TopicBookReturned, rec.BookID, rec.ID, events.BookReturned{
		BorrowID: rec.ID,
		BookID:   rec.BookID,
	})
	if err != nil {
		s.logger.Error("return publish failed",
			zap.String("borrowId", rec.ID),
			zap.Error(err))
		return nil, err
	}
	return rec, nil
}

// closeOut is the shared RESERVED → CANCELLED|RETURNED transition: lock the
// record, re-validate ownership, check the precondition, persist.
func (s *borrowService) closeOut(borrowID string, requester auth.Requester, target models.BorrowStatus) (*models.BorrowRecord, error) {
	var rec *models.BorrowRecord

	err := inTx(s.db, func(tx *gorm.DB) error {
		var err error
		rec, err = s.borrowRepo.GetByIDForUpdate(tx, borrowID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBorrowNotFound
			}
			return err
		}

		if !auth.IsOwnerOrPrivileged(requester, rec.UserID) {
			return ErrNotOwner
		}
		if rec.Status != models.BorrowStatusReserved {
			if target == models.BorrowStatusCancelled {
				return ErrCannotCancel
			}
			return ErrCannotReturn
		}

		now := s.now()
		rec.Status = target
		rec.UpdatedAt = now
		if target == models.BorrowStatusReturned {
			rec.ReturnDate = &now
		}
		return s.borrowRepo.Update(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *borrowService) GetBorrow(ctx context.Context, borrowID string, requester auth.Requester) (*models.BorrowRecord, error) {
	rec, err := s.borrowRepo.GetByID(nil, borrowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBorrowNotFound
		}
		return nil, err
	}
	if !auth.IsOwnerOrPrivileged(requester, rec.UserID) {
		return nil, ErrNotOwner
	}
	return rec, nil
}

func (s *borrowService) ListUserBorrows(ctx context.Context, userID string, requester auth.Requester) ([]models.BorrowRecord, error) {
	if !auth.IsOwnerOrPrivileged(requester, userID) {
		return nil, ErrNotOwner
	}
	return s.borrowRepo.ListByUser(nil, userID)
}

func (s *borrowService) ListAllBorrows(ctx context.Context, requester auth.Requester) ([]models.BorrowRecord, error) {
	if !requester.IsPrivileged() {
		return nil, ErrPrivilegeRequired
	}
	return s.borrowRepo.ListAll(nil)
}

func (s *borrowService) ListOverdue(ctx context.Context, requester auth.Requester) ([]models.BorrowRecord, error) {
	if !requester.IsPrivileged() {
		return nil, ErrPrivilegeRequired
	}
	return s.borrowRepo.ListOverdue(nil, s.now())
}
