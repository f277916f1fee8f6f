package repositories

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
)

type BorrowRecordRepository interface {
	Create(db *gorm.DB, rec *models.BorrowRecord) error
	GetByID(db *gorm.DB, id string) (*models.BorrowRecord, error)
	GetByIDForUpdate(db *gorm.DB, id string) (*models.BorrowRecord, error)
	Update(db *gorm.DB, rec *models.BorrowRecord) error
	ListByUser(db *gorm.DB, userID string) ([]models.BorrowRecord, error)
	ListAll(db *gorm.DB) ([]models.BorrowRecord, error)
	ListOverdue(db *gorm.DB, asOf time.Time) ([]models.BorrowRecord, error)
}

type InventoryRepository interface {
	Create(db *gorm.DB, item *models.InventoryItem) error
	GetByID(db *gorm.DB, id string) (*models.InventoryItem, error)
	// DecrementAvailable atomically takes one copy if any is available and
	// reports whether a row was affected. Losers of a race see false.
	DecrementAvailable(db *gorm.DB, bookID string) (bool, error)
	// IncrementAvailable atomically returns one copy, clamped at total_copies.
	IncrementAvailable(db *gorm.DB, bookID string) (bool, error)
}

type ReservationRepository interface {
	Create(db *gorm.DB, res *models.Reservation) error
	GetByBorrowID(db *gorm.DB, borrowID string) (*models.Reservation, error)
	GetByBorrowIDForUpdate(db *gorm.DB, borrowID string) (*models.Reservation, error)
	UpdateStatus(db *gorm.DB, borrowID string, status models.ReservationStatus) error
}

// concrete implementations

type borrowRecordRepository struct {
	db *gorm.DB
}

func NewBorrowRecordRepository(db *gorm.DB) BorrowRecordRepository {
	return &borrowRecordRepository{db: db}
}

func (r *borrowRecordRepository) Create(db *gorm.DB, rec *models.BorrowRecord) error {
	if db == nil {
		db = r.db
	}
	return db.Create(rec).Error
}

func (r *borrowRecordRepository) GetByID(db *gorm.DB, id string) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var rec models.BorrowRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *borrowRecordRepository) GetByIDForUpdate(db *gorm.DB, id string) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var rec models.BorrowRecord
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *borrowRecordRepository) Update(db *gorm.DB, rec *models.BorrowRecord) error {
	if db == nil {
		db = r.db
	}
	return db.Save(rec).Error
}

func (r *borrowRecordRepository) ListByUser(db *gorm.DB, userID string) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var recs []models.BorrowRecord
	if err := db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *borrowRecordRepository) ListAll(db *gorm.DB) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var recs []models.BorrowRecord
	if err := db.Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *borrowRecordRepository) ListOverdue(db *gorm.DB, asOf time.Time) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var recs []models.BorrowRecord
	err := db.
		Where("due_date < ? AND status NOT IN ?", asOf, []models.BorrowStatus{
			models.BorrowStatusReturned,
			models.BorrowStatusCancelled,
			models.BorrowStatusFailed,
		}).
		Order("due_date ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

type inventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepository{db: db}
}

func (r *inventoryRepository) Create(db *gorm.DB, item *models.InventoryItem) error {
	if db == nil {
		db = r.db
	}
	return db.Create(item).Error
}

func (r *inventoryRepository) GetByID(db *gorm.DB, id string) (*models.InventoryItem, error) {
	if db == nil {
		db = r.db
	}
	var item models.InventoryItem
	if err := db.First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *inventoryRepository) DecrementAvailable(db *gorm.DB, bookID string) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.InventoryItem{}).
		Where("id = ? AND available_copies > 0", bookID).
		UpdateColumn("available_copies", gorm.Expr("available_copies - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *inventoryRepository) IncrementAvailable(db *gorm.DB, bookID string) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.InventoryItem{}).
		Where("id = ? AND available_copies < total_copies", bookID).
		UpdateColumn("available_copies", gorm.Expr("available_copies + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type reservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) Create(db *gorm.DB, res *models.Reservation) error {
	if db == nil {
		db = r.db
	}
	return db.Create(res).Error
}

func (r *reservationRepository) GetByBorrowID(db *gorm.DB, borrowID string) (*models.Reservation, error) {
	if db == nil {
		db = r.db
	}
	var res models.Reservation
	if err := db.First(&res, "borrow_id = ?", borrowID).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) GetByBorrowIDForUpdate(db *gorm.DB, borrowID string) (*models.Reservation, error) {
	if db == nil {
		db = r.db
	}
	var res models.Reservation
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "borrow_id = ?", borrowID).Error
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) UpdateStatus(db *gorm.DB, borrowID string, status models.ReservationStatus) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Reservation{}).
		Where("borrow_id = ?", borrowID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}
