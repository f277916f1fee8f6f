package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/auth"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/events"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newBorrowFixture() (*fakeBorrowRepo, *recordingPublisher, BorrowService) {
	repo := newFakeBorrowRepo()
	pub := &recordingPublisher{}
	svc := NewBorrowService(nil, repo, pub, zap.NewNop(), func() time.Time { return testNow })
	return repo, pub, svc
}

func seedBorrow(repo *fakeBorrowRepo, id string, status models.BorrowStatus) *models.BorrowRecord {
	due := testNow.AddDate(0, 0, LoanPeriodDays)
	rec := &models.BorrowRecord{
		ID:        id,
		UserID:    "user-1",
		BookID:    "book-1",
		Status:    status,
		DueDate:   &due,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	repo.Create(nil, rec)
	return rec
}

func asOwner() auth.Requester {
	return auth.Requester{UserID: "user-1", Roles: []models.UserRole{models.UserRoleMember}}
}

func asLibrarian() auth.Requester {
	return auth.Requester{UserID: "staff-1", Roles: []models.UserRole{models.UserRoleLibrarian}}
}

func asStranger() auth.Requester {
	return auth.Requester{UserID: "user-2", Roles: []models.UserRole{models.UserRoleMember}}
}

func TestInitiateBorrow(t *testing.T) {
	repo, pub, svc := newBorrowFixture()

	rec, err := svc.InitiateBorrow(context.Background(), "book-1", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, models.BorrowStatusPending, rec.Status)
	require.NotNil(t, rec.DueDate)
	assert.Equal(t, testNow.AddDate(0, 0, LoanPeriodDays), *rec.DueDate)

	stored, err := repo.GetByID(nil, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusPending, stored.Status)

	msgs := pub.onTopic(events.TopicBookReserveRequested)
	require.Len(t, msgs, 1)
	assert.Equal(t, "book-1", msgs[0].Key)

	var evt events.BookReserveRequested
	require.NoError(t, decodePayload(msgs[0], &evt))
	assert.Equal(t, rec.ID, evt.BorrowID)
	assert.Equal(t, "book-1", evt.BookID)
	assert.Equal(t, "user-1", evt.UserID)
}

func TestInitiateBorrowMissingFields(t *testing.T) {
	_, pub, svc := newBorrowFixture()

	_, err := svc.InitiateBorrow(context.Background(), "", "user-1")
	assert.ErrorIs(t, err, ErrMissingFields)
	_, err = svc.InitiateBorrow(context.Background(), "book-1", "")
	assert.ErrorIs(t, err, ErrMissingFields)
	assert.Empty(t, pub.msgs)
}

func TestOnBookReservedTransitions(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusPending)

	evt := events.BookReserved{
		BorrowID:  rec.ID,
		BookID:    rec.BookID,
		UserID:    rec.UserID,
		BookTitle: "The Go Programming Language",
		Author:    "Donovan & Kernighan",
		ISBN:      "978-0134190440",
	}
	require.NoError(t, svc.OnBookReserved(context.Background(), evt))

	stored, _ := repo.GetByID(nil, rec.ID)
	assert.Equal(t, models.BorrowStatusReserved, stored.Status)
	require.NotNil(t, stored.DueDate)

	msgs := pub.onTopic(events.TopicBorrowConfirmed)
	require.Len(t, msgs, 1)
	var confirmed events.BorrowConfirmed
	require.NoError(t, decodePayload(msgs[0], &confirmed))
	assert.Equal(t, rec.ID, confirmed.BorrowID)
	assert.Equal(t, "The Go Programming Language", confirmed.BookTitle)
	assert.Equal(t, *stored.DueDate, confirmed.DueDate)
}

func TestOnBookReservedDuplicateRepublishesSameConfirmation(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusPending)

	evt := events.BookReserved{BorrowID: rec.ID, BookID: rec.BookID, UserID: rec.UserID}
	require.NoError(t, svc.OnBookReserved(context.Background(), evt))
	require.NoError(t, svc.OnBookReserved(context.Background(), evt))

	// The duplicate re-emits the confirmation under the original event id, so
	// downstream inboxes collapse the pair into one fact.
	msgs := pub.onTopic(events.TopicBorrowConfirmed)
	require.Len(t, msgs, 2)
	first, err := events.Unmarshal(msgs[0].Value)
	require.NoError(t, err)
	second, err := events.Unmarshal(msgs[1].Value)
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)

	stored, _ := repo.GetByID(nil, rec.ID)
	assert.Equal(t, models.BorrowStatusReserved, stored.Status)
}

func TestOnBookReservedRetriesLostConfirmation(t *testing.T) {
	repo := newFakeBorrowRepo()
	pub := &flakyPublisher{}
	svc := NewBorrowService(nil, repo, pub, zap.NewNop(), func() time.Time { return testNow })
	rec := seedBorrow(repo, "b-1", models.BorrowStatusPending)

	evt := events.BookReserved{BorrowID: rec.ID, BookID: rec.BookID, UserID: rec.UserID}

	// The transition commits but the confirmation publish fails, so the
	// handler reports an error and the bus redelivers.
	pub.failNext(1)
	require.Error(t, svc.OnBookReserved(context.Background(), evt))
	stored, _ := repo.GetByID(nil, rec.ID)
	require.Equal(t, models.BorrowStatusReserved, stored.Status)
	require.Empty(t, pub.onTopic(events.TopicBorrowConfirmed))

	// The redelivery finds RESERVED and still gets the confirmation out.
	require.NoError(t, svc.OnBookReserved(context.Background(), evt))
	assert.Len(t, pub.onTopic(events.TopicBorrowConfirmed), 1)
}

func TestOnBookReservedUnknownRecord(t *testing.T) {
	_, _, svc := newBorrowFixture()
	err := svc.OnBookReserved(context.Background(), events.BookReserved{BorrowID: "nope"})
	assert.ErrorIs(t, err, ErrBorrowNotFound)
}

func TestOnBookReserveFailed(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusPending)

	evt := events.BookReserveFailed{BorrowID: rec.ID, BookID: rec.BookID, Reason: ReasonNoCopies}
	require.NoError(t, svc.OnBookReserveFailed(context.Background(), evt))

	stored, _ := repo.GetByID(nil, rec.ID)
	assert.Equal(t, models.BorrowStatusFailed, stored.Status)
	assert.Nil(t, stored.DueDate)

	msgs := pub.onTopic(events.TopicBorrowFailed)
	require.Len(t, msgs, 1)
	var failed events.BorrowFailed
	require.NoError(t, decodePayload(msgs[0], &failed))
	assert.Equal(t, ReasonNoCopies, failed.Reason)
}

func TestOnBookReserveFailedAfterSuccessIsIgnored(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusReserved)

	// A stale failure racing a prior success must not clobber RESERVED.
	evt := events.BookReserveFailed{BorrowID: rec.ID, Reason: ReasonNoCopies}
	require.NoError(t, svc.OnBookReserveFailed(context.Background(), evt))

	stored, _ := repo.GetByID(nil, rec.ID)
	assert.Equal(t, models.BorrowStatusReserved, stored.Status)
	assert.Empty(t, pub.onTopic(events.TopicBorrowFailed))
}

func TestTerminalStatusesNeverTransition(t *testing.T) {
	terminal := []models.BorrowStatus{
		models.BorrowStatusFailed,
		models.BorrowStatusCancelled,
		models.BorrowStatusReturned,
	}
	for _, status := range terminal {
		t.Run(string(status), func(t *testing.T) {
			repo, _, svc := newBorrowFixture()
			rec := seedBorrow(repo, "b-1", status)

			require.NoError(t, svc.OnBookReserved(context.Background(), events.BookReserved{BorrowID: rec.ID}))
			require.NoError(t, svc.OnBookReserveFailed(context.Background(), events.BookReserveFailed{BorrowID: rec.ID}))

			stored, _ := repo.GetByID(nil, rec.ID)
			assert.Equal(t, status, stored.Status)
		})
	}
}

func TestCancelBorrow(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusReserved)

	updated, err := svc.CancelBorrow(context.Background(), rec.ID, asOwner())
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusCancelled, updated.Status)

	msgs := pub.onTopic(events.TopicBookReservationCancelled)
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.BookID, msgs[0].Key)
}

func TestCancelBorrowWrongState(t *testing.T) {
	for _, status := range []models.BorrowStatus{
		models.BorrowStatusPending,
		models.BorrowStatusFailed,
		models.BorrowStatusCancelled,
		models.BorrowStatusReturned,
	} {
		t.Run(string(status), func(t *testing.T) {
			repo, pub, svc := newBorrowFixture()
			rec := seedBorrow(repo, "b-1", status)

			_, err := svc.CancelBorrow(context.Background(), rec.ID, asOwner())
			assert.ErrorIs(t, err, ErrCannotCancel)
			assert.Empty(t, pub.msgs)

			stored, _ := repo.GetByID(nil, rec.ID)
			assert.Equal(t, status, stored.Status)
		})
	}
}

func TestCancelBorrowAuthorization(t *testing.T) {
	repo, _, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusReserved)

	_, err := svc.CancelBorrow(context.Background(), rec.ID, asStranger())
	assert.ErrorIs(t, err, ErrNotOwner)

	// A librarian may cancel on behalf of the owner.
	_, err = svc.CancelBorrow(context.Background(), rec.ID, asLibrarian())
	assert.NoError(t, err)
}

func TestReturnBook(t *testing.T) {
	repo, pub, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusReserved)

	updated, err := svc.ReturnBook(context.Background(), rec.ID, asOwner())
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusReturned, updated.Status)
	require.NotNil(t, updated.ReturnDate)
	assert.Equal(t, testNow, *updated.ReturnDate)

	msgs := pub.onTopic(events.TopicBookReturned)
	require.Len(t, msgs, 1)
	var evt events.BookReturned
	require.NoError(t, decodePayload(msgs[0], &evt))
	assert.Equal(t, rec.ID, evt.BorrowID)
	assert.Equal(t, rec.BookID, evt.BookID)
}

func TestReturnBookWrongState(t *testing.T) {
	repo, _, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusPending)

	_, err := svc.ReturnBook(context.Background(), rec.ID, asOwner())
	assert.ErrorIs(t, err, ErrCannotReturn)
}

func TestGetBorrowAuthorization(t *testing.T) {
	repo, _, svc := newBorrowFixture()
	rec := seedBorrow(repo, "b-1", models.BorrowStatusReserved)

	_, err := svc.GetBorrow(context.Background(), rec.ID, asOwner())
	assert.NoError(t, err)
	_, err = svc.GetBorrow(context.Background(), rec.ID, asLibrarian())
	assert.NoError(t, err)
	_, err = svc.GetBorrow(context.Background(), rec.ID, asStranger())
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestListQueriesRequirePrivilege(t *testing.T) {
	_, _, svc := newBorrowFixture()

	_, err := svc.ListAllBorrows(context.Background(), asOwner())
	assert.ErrorIs(t, err, ErrPrivilegeRequired)
	_, err = svc.ListOverdue(context.Background(), asOwner())
	assert.ErrorIs(t, err, ErrPrivilegeRequired)

	_, err = svc.ListAllBorrows(context.Background(), asLibrarian())
	assert.NoError(t, err)
}

func TestListOverdueIsDerived(t *testing.T) {
	repo, _, svc := newBorrowFixture()

	past := testNow.AddDate(0, 0, -1)
	future := testNow.AddDate(0, 0, 7)

	// Live and past due: overdue.
	late := seedBorrow(repo, "late", models.BorrowStatusReserved)
	late.DueDate = &past
	repo.Update(nil, late)

	// Live but not yet due.
	onTime := seedBorrow(repo, "on-time", models.BorrowStatusReserved)
	onTime.DueDate = &future
	repo.Update(nil, onTime)

	// Past due but already returned: not overdue.
	returned := seedBorrow(repo, "returned", models.BorrowStatusReturned)
	returned.DueDate = &past
	repo.Update(nil, returned)

	overdue, err := svc.ListOverdue(context.Background(), asLibrarian())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "late", overdue[0].ID)
}
