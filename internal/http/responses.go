package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/service"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ProductDTO struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Price domain.Money `json:"price"`
}

type CartItemDTO struct {
	ProductID string       `json:"productId"`
	Quantity  int          `json:"quantity"`
	UnitPrice domain.Money `json:"unitPrice"`
	LineTotal domain.Money `json:"lineTotal"`
	AddedAt   time.Time    `json:"addedAt"`
	Product   *ProductDTO  `json:"product,omitempty"`
}

type CartResponse struct {
	Items     []CartItemDTO     `json:"items"`
	Subtotal  domain.Money      `json:"subtotal"`
	ItemCount int               `json:"itemCount"`
	IsEmpty   bool              `json:"isEmpty"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Conflicts []domain.Conflict `json:"conflicts,omitempty"`
	// Ephemeral marks a cart served while session storage was unreachable.
	// It was not saved and will not be found again.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type removeResponse struct {
	Success bool `json:"success"`
	CartResponse
}

type ItemRequestDTO struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type MergeRequestDTO struct {
	GuestCartItems []domain.GuestItem `json:"guestCartItems"`
	SessionID      string             `json:"sessionId"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// errorStatus maps service errors onto the HTTP contract.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMissingProductID):
		return http.StatusBadRequest, "MISSING_PRODUCT_ID"
	case errors.Is(err, service.ErrInvalidQuantity):
		return http.StatusBadRequest, "INVALID_QUANTITY"
	case errors.Is(err, service.ErrMaxQuantityExceeded):
		return http.StatusBadRequest, "MAX_QUANTITY_EXCEEDED"
	case errors.Is(err, service.ErrMissingSessionID):
		return http.StatusBadRequest, "MISSING_SESSION_ID"
	case errors.Is(err, service.ErrProductUnavailable):
		return http.StatusNotFound, "PRODUCT_NOT_FOUND"
	case errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound, "ITEM_NOT_FOUND"
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, service.ErrStorageTimeout):
		return http.StatusGatewayTimeout, "STORAGE_TIMEOUT"
	case errors.Is(err, service.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
