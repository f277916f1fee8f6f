package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/auth"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/models"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/services"
)

// Requester identity arrives in gateway-propagated headers. Authentication
// itself happens at the gateway; these handlers only read the result.
const (
	headerUserID = "X-User-Id"
	headerRoles  = "X-User-Roles"
)

func requesterFrom(c *gin.Context) auth.Requester {
	var roles []models.UserRole
	if raw := c.GetHeader(headerRoles); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			roles = append(roles, models.UserRole(strings.TrimSpace(r)))
		}
	}
	return auth.Requester{
		UserID: c.GetHeader(headerUserID),
		Roles:  roles,
	}
}

// ─── Borrow Service ───────────────────────────────────────────────────────────

type BorrowHandler struct {
	svc services.BorrowService
}

func RegisterBorrowRoutes(r *gin.Engine, svc services.BorrowService) {
	h := &BorrowHandler{svc: svc}

	r.POST("/borrows", h.initiateBorrow)
	r.POST("/borrows/:id/cancel", h.cancelBorrow)
	r.POST("/borrows/:id/return", h.returnBook)

	r.GET("/borrows/:id", h.getBorrow)
	r.GET("/users/:id/borrows", h.listUserBorrows)
	r.GET("/borrows", h.listAllBorrows)
	r.GET("/overdue", h.listOverdue)
}

type initiateBorrowRequest struct {
	BookID string `json:"book_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

func (h *BorrowHandler) initiateBorrow(c *gin.Context) {
	var req initiateBorrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.svc.InitiateBorrow(c.Request.Context(), req.BookID, req.UserID)
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	// The saga completes asynchronously; the caller polls the record.
	c.JSON(http.StatusAccepted, rec)
}

func (h *BorrowHandler) cancelBorrow(c *gin.Context) {
	rec, err := h.svc.CancelBorrow(c.Request.Context(), c.Param("id"), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *BorrowHandler) returnBook(c *gin.Context) {
	rec, err := h.svc.ReturnBook(c.Request.Context(), c.Param("id"), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *BorrowHandler) getBorrow(c *gin.Context) {
	rec, err := h.svc.GetBorrow(c.Request.Context(), c.Param("id"), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *BorrowHandler) listUserBorrows(c *gin.Context) {
	recs, err := h.svc.ListUserBorrows(c.Request.Context(), c.Param("id"), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *BorrowHandler) listAllBorrows(c *gin.Context) {
	recs, err := h.svc.ListAllBorrows(c.Request.Context(), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *BorrowHandler) listOverdue(c *gin.Context) {
	recs, err := h.svc.ListOverdue(c.Request.Context(), requesterFrom(c))
	if err != nil {
		writeBorrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func writeBorrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrBorrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotOwner), errors.Is(err, services.ErrPrivilegeRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrCannotCancel), errors.Is(err, services.ErrCannotReturn):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ─── Inventory Service ────────────────────────────────────────────────────────

type InventoryHandler struct {
	svc services.ReservationService
}

func RegisterInventoryRoutes(r *gin.Engine, svc services.ReservationService) {
	h := &InventoryHandler{svc: svc}

	r.POST("/inventory", h.createItem)
	r.GET("/inventory/:id", h.getItem)
}

type createItemRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	ISBN        string `json:"isbn"`
	TotalCopies int    `json:"total_copies" binding:"required,min=0"`
}

func (h *InventoryHandler) createItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.svc.CreateItem(c.Request.Context(), req.Title, req.Author, req.ISBN, req.TotalCopies)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *InventoryHandler) getItem(c *gin.Context) {
	item, err := h.svc.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}
