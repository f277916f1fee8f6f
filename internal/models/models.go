package models

import (
	"time"
)

type UserRole string

const (
	UserRoleMember    UserRole = "MEMBER"
	UserRoleLibrarian UserRole = "LIBRARIAN"
)

type BorrowStatus string

const (
	BorrowStatusPending   BorrowStatus = "PENDING"
	BorrowStatusReserved  BorrowStatus = "RESERVED"
	BorrowStatusFailed    BorrowStatus = "FAILED"
	BorrowStatusCancelled BorrowStatus = "CANCELLED"
	BorrowStatusReturned  BorrowStatus = "RETURNED"
)

// Terminal reports whether the status is final. A record in a terminal
// status never transitions again, regardless of what the bus delivers.
func (s BorrowStatus) Terminal() bool {
	switch s {
	case BorrowStatusFailed, BorrowStatusCancelled, BorrowStatusReturned:
		return true
	}
	return false
}

// BorrowRecord is one borrow transaction, keyed by the saga identifier.
// Records are never deleted; they are the audit trail of the saga.
type BorrowRecord struct {
	ID         string       `gorm:"primaryKey;size:64" json:"id"`
	UserID     string       `gorm:"size:64;not null;index" json:"user_id"`
	BookID     string       `gorm:"size:64;not null;index" json:"book_id"`
	Status     BorrowStatus `gorm:"type:borrow_status;not null;index" json:"status"`
	DueDate    *time.Time   `json:"due_date"`
	ReturnDate *time.Time   `json:"return_date"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

// IsOverdue reports the derived overdue condition. Overdue is never a stored
// status: it holds while the record is still live and the due date has passed.
func (r *BorrowRecord) IsOverdue(now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	return r.DueDate != nil && r.DueDate.Before(now)
}

// InventoryItem holds the copy counters for one title. AvailableCopies is
// mutated only through the conditional decrement/increment in the repository,
// keeping 0 <= available_copies <= total_copies.
type InventoryItem struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	Author          string    `gorm:"size:255;not null" json:"author"`
	ISBN            string    `gorm:"size:32" json:"isbn"`
	TotalCopies     int       `gorm:"not null" json:"total_copies"`
	AvailableCopies int       `gorm:"not null" json:"available_copies"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (i *InventoryItem) CanReserve() bool {
	return i.AvailableCopies > 0
}

type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "RESERVED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
	ReservationStatusFailed   ReservationStatus = "FAILED"
)

// Reservation records the outcome of one reservation request, keyed by the
// borrow id. It makes the request handler idempotent under redelivery: a
// second delivery of the same request finds the row, does not touch the
// counters again, and republishes the recorded outcome. Reason holds the
// failure reason for FAILED rows so that republication carries it unchanged.
// RELEASED means the copy went back via cancel or return.
type Reservation struct {
	BorrowID  string            `gorm:"primaryKey;size:64" json:"borrow_id"`
	BookID    string            `gorm:"size:64;not null;index" json:"book_id"`
	UserID    string            `gorm:"size:64;not null" json:"user_id"`
	Status    ReservationStatus `gorm:"type:reservation_status;not null" json:"status"`
	Reason    string            `gorm:"size:64" json:"reason,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}
