package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/api"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req api.PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	actor := actorFrom(r.Context())
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	result, err := h.orders.Place(r.Context(), req.ToCommand(actor.UserID, key))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, api.FromOrder(result.Order))
}

func (h *Handler) listMyOrders(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// поиск доступен только администратору
	filter.Search = ""

	result, err := h.orders.ListForUser(r.Context(), actorFrom(r.Context()).UserID, filter, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromPage(result))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	details, err := h.orders.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromDetails(details))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req api.CancelOrderRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromOrder(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.orders.ListAll(r.Context(), filter, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromPage(result))
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.ToStatusChange())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromOrder(order))
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProductRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		writeError(w, err)
		return
	}

	product, err := h.catalog.CreateProduct(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.FromProduct(product))
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromProduct(product))
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req api.AdjustStockRequest
	if !decodeBody(w, r, &req) {
		return
	}

	product, err := h.catalog.AdjustStock(r.Context(), chi.URLParam(r, "id"), req.Delta)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromProduct(product))
}

// fail пишет ошибку и логирует внутренние сбои.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := api.HTTPStatus(domain.KindOf(err)); status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, err)
}

func parseListQuery(r *http.Request) (domain.OrderFilter, domain.PageRequest, error) {
	query := r.URL.Query()
	filter := domain.OrderFilter{
		Status: domain.OrderStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		Search: strings.TrimSpace(query.Get("search")),
	}

	page, err := queryInt(query.Get("page"), "page")
	if err != nil {
		return filter, domain.PageRequest{}, err
	}
	limit, err := queryInt(query.Get("limit"), "limit")
	if err != nil {
		return filter, domain.PageRequest{}, err
	}
	return filter, domain.PageRequest{Page: page, Limit: limit}, nil
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, domain.Errorf(domain.KindInvalidRequest, "%s must be a non-negative integer", name)
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, "invalid JSON body: %v", err))
		return false
	}
	return true
}

// decodeOptionalBody допускает пустое тело.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, domain.Errorf(domain.KindInvalidRequest, "invalid JSON body: %v", err))
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	body := api.NewErrorBody(err)
	writeJSON(w, api.HTTPStatus(body.Error.Kind), body)
}
