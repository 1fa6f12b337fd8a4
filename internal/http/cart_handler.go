package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/catalog"
	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/service"
)

type CartService interface {
	GetOrCreate(ctx context.Context, id domain.Identity) (*domain.Cart, error)
	AddItem(ctx context.Context, id domain.Identity, productID string, quantity int) (*service.MutationResult, error)
	SetItemQuantity(ctx context.Context, id domain.Identity, productID string, quantity int) (*service.MutationResult, error)
	RemoveItem(ctx context.Context, id domain.Identity, productID string) (*service.MutationResult, error)
	Clear(ctx context.Context, id domain.Identity) (*service.MutationResult, error)
}

type Merger interface {
	Merge(ctx context.Context, userID, sessionID string, clientItems []domain.GuestItem) (*domain.MergeReport, error)
}

type CartHandler struct {
	carts    CartService
	merger   Merger
	catalog  catalog.Catalog
	sessions SessionResolver
	log      *logger.Logger
	timeout  time.Duration
}

func NewCartHandler(carts CartService, merger Merger, products catalog.Catalog, sessions SessionResolver, log *logger.Logger, timeout time.Duration) *CartHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &CartHandler{
		carts:    carts,
		merger:   merger,
		catalog:  products,
		sessions: sessions,
		log:      log,
		timeout:  timeout,
	}
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	if id.Degraded {
		resp := h.summary(ctx, domain.EmptyCart(domain.Identity{}, time.Now()))
		resp.Ephemeral = true
		respondJSON(w, http.StatusOK, resp)
		return
	}

	cart, err := h.carts.GetOrCreate(ctx, id.Identity)
	if err != nil {
		h.handleError(w, "get_cart", id, err)
		return
	}
	respondJSON(w, http.StatusOK, h.summary(ctx, cart))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, "add_item", http.StatusCreated, h.carts.AddItem)
}

func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	h.mutateItem(w, r, "update_item", http.StatusOK, h.carts.SetItemQuantity)
}

func (h *CartHandler) mutateItem(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	status int,
	fn func(ctx context.Context, id domain.Identity, productID string, quantity int) (*service.MutationResult, error),
) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := h.mutationIdentity(w, r)
	if !ok {
		return
	}
	var req ItemRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := fn(ctx, id.Identity, req.ProductID, req.Quantity)
	if err != nil {
		h.handleError(w, op, id, err)
		return
	}
	resp := h.summary(ctx, res.Cart)
	resp.Conflicts = res.Conflicts
	respondJSON(w, status, resp)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := h.mutationIdentity(w, r)
	if !ok {
		return
	}
	var req ItemRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.carts.RemoveItem(ctx, id.Identity, req.ProductID)
	if err != nil {
		h.handleError(w, "remove_item", id, err)
		return
	}
	respondJSON(w, http.StatusOK, removeResponse{Success: true, CartResponse: h.summary(ctx, res.Cart)})
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := h.mutationIdentity(w, r)
	if !ok {
		return
	}
	if _, err := h.carts.Clear(ctx, id.Identity); err != nil {
		h.handleError(w, "clear_cart", id, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFrom(r.Context())
	if !ok || id.Degraded || id.IsGuest() || id.IsZero() {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "merge requires a signed-in user")
		return
	}
	var req MergeRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := h.merger.Merge(ctx, id.Key, req.SessionID, req.GuestCartItems)
	if err != nil {
		h.handleError(w, "merge", id, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Logout marks the client's guest token so its next request starts a fresh
// session.
func (h *CartHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, _ := identityFrom(r.Context())
	if id.RawToken != "" {
		if err := h.sessions.Logout(ctx, id.RawToken); err != nil {
			h.handleError(w, "logout", id, fmt.Errorf("%w: %w", service.ErrStorageUnavailable, err))
			return
		}
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *CartHandler) mutationIdentity(w http.ResponseWriter, r *http.Request) (requestIdentity, bool) {
	id, ok := identityFrom(r.Context())
	switch {
	case !ok || id.IsZero() && !id.Degraded:
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return id, false
	case id.Degraded:
		respondError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "cart storage is unavailable, try again later")
		return id, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
		return false
	}
	respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
	return false
}

func (h *CartHandler) handleError(w http.ResponseWriter, op string, id requestIdentity, err error) {
	status, code := errorStatus(err)
	switch {
	case status >= http.StatusInternalServerError && code == "INTERNAL_ERROR":
		h.log.Error("request failed", "op", op, "identity", id.String(), "error", err)
		respondError(w, status, code, "internal server error")
		return
	case status >= http.StatusInternalServerError:
		h.log.Warn("storage failure", "op", op, "identity", id.String(), "error", err)
	}
	respondError(w, status, code, rootMessage(err))
}

// rootMessage is the message of the outermost service sentinel, so storage
// internals never reach the client.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		service.ErrMissingProductID, service.ErrInvalidQuantity, service.ErrMaxQuantityExceeded,
		service.ErrMissingSessionID, service.ErrProductUnavailable, service.ErrItemNotFound,
		service.ErrUnauthenticated, service.ErrStorageTimeout, service.ErrStorageUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal server error"
}

// summary renders cart with product details. Lines whose product cannot be
// looked up are still returned, without details.
func (h *CartHandler) summary(ctx context.Context, cart *domain.Cart) CartResponse {
	resp := CartResponse{
		Items:     make([]CartItemDTO, 0, len(cart.Items)),
		Subtotal:  cart.Subtotal(),
		ItemCount: cart.ItemCount(),
		IsEmpty:   cart.IsEmpty(),
		UpdatedAt: cart.UpdatedAt,
	}
	for _, it := range cart.Items {
		dto := CartItemDTO{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal(),
			AddedAt:   it.AddedAt,
		}
		if h.catalog != nil {
			if p, err := h.catalog.GetProduct(ctx, it.ProductID); err == nil {
				dto.Product = &ProductDTO{ID: p.ID, Name: p.Name, Price: p.Price}
			} else {
				h.log.Debug("product details unavailable", "product_id", it.ProductID, "error", err)
			}
		}
		resp.Items = append(resp.Items, dto)
	}
	return resp
}
