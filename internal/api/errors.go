package api

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Виды ошибок транспорта, которых нет в домене.
const (
	KindUnauthorized domain.ErrorKind = "Unauthorized"
	KindForbidden    domain.ErrorKind = "Forbidden"
)

var httpStatuses = map[domain.ErrorKind]int{
	domain.KindEmptyCart:           http.StatusBadRequest,
	domain.KindInvalidRequest:      http.StatusBadRequest,
	domain.KindProductUnavailable:  http.StatusBadRequest,
	domain.KindInsufficientStock:   http.StatusBadRequest,
	domain.KindInvalidStatus:       http.StatusBadRequest,
	domain.KindInvalidTransition:   http.StatusBadRequest,
	domain.KindOrderNotFound:       http.StatusNotFound,
	domain.KindProductNotFound:     http.StatusNotFound,
	domain.KindConflict:            http.StatusConflict,
	domain.KindIdempotencyConflict: http.StatusConflict,
	domain.KindInProgress:          http.StatusConflict,
	domain.KindPersistenceFailed:   http.StatusInternalServerError,
	domain.KindInternal:            http.StatusInternalServerError,
	KindUnauthorized:               http.StatusUnauthorized,
	KindForbidden:                  http.StatusForbidden,
}

var grpcCodes = map[domain.ErrorKind]codes.Code{
	domain.KindEmptyCart:           codes.InvalidArgument,
	domain.KindInvalidRequest:      codes.InvalidArgument,
	domain.KindProductUnavailable:  codes.FailedPrecondition,
	domain.KindInsufficientStock:   codes.FailedPrecondition,
	domain.KindInvalidStatus:       codes.InvalidArgument,
	domain.KindInvalidTransition:   codes.FailedPrecondition,
	domain.KindOrderNotFound:       codes.NotFound,
	domain.KindProductNotFound:     codes.NotFound,
	domain.KindConflict:            codes.Aborted,
	domain.KindIdempotencyConflict: codes.AlreadyExists,
	domain.KindInProgress:          codes.Aborted,
	domain.KindPersistenceFailed:   codes.Internal,
	domain.KindInternal:            codes.Internal,
	KindUnauthorized:               codes.Unauthenticated,
	KindForbidden:                  codes.PermissionDenied,
}

// ErrorDetail тело ошибки. Requested и Available есть только у InsufficientStock, в том числе нулевые.
type ErrorDetail struct {
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	ProductID string           `json:"product_id,omitempty"`
	Requested *int64           `json:"requested,omitempty"`
	Available *int64           `json:"available,omitempty"`
}

// ErrorBody обёртка {"error": {...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorBody классифицирует ошибку. Внутренние причины наружу не выдаются.
func NewErrorBody(err error) ErrorBody {
	var orderErr *domain.OrderError
	if errors.As(err, &orderErr) {
		detail := ErrorDetail{
			Kind:      orderErr.Kind,
			Message:   orderErr.Message,
			ProductID: orderErr.ProductID,
		}
		switch detail.Kind {
		case domain.KindInsufficientStock:
			requested, available := orderErr.Requested, orderErr.Available
			detail.Requested, detail.Available = &requested, &available
		case domain.KindInternal:
			detail.Message = "internal error"
		case domain.KindPersistenceFailed:
			detail.Message = "order could not be saved"
		}
		return ErrorBody{Error: detail}
	}

	kind := domain.KindOf(err)
	message := "internal error"
	if kind != domain.KindInternal {
		message = err.Error()
	}
	return ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}}
}

// HTTPStatus возвращает HTTP-код для вида ошибки.
func HTTPStatus(kind domain.ErrorKind) int {
	if code, ok := httpStatuses[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// GRPCCode возвращает gRPC-код для вида ошибки.
func GRPCCode(kind domain.ErrorKind) codes.Code {
	if code, ok := grpcCodes[kind]; ok {
		return code
	}
	return codes.Internal
}

// GRPCError превращает ошибку сервиса в gRPC status.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	body := NewErrorBody(err)
	return status.Error(GRPCCode(body.Error.Kind), string(body.Error.Kind)+": "+body.Error.Message)
}
