package ordering

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/pricing"
)

// LineRequest позиция корзины: только товар и количество, цену сервис берёт из каталога.
type LineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// PlaceOrderCommand снимок корзины и данных оформления.
type PlaceOrderCommand struct {
	UserID          string         `json:"user_id"`
	Items           []LineRequest  `json:"items"`
	ShippingAddress domain.Address `json:"shipping_address"`
	BillingAddress  domain.Address `json:"billing_address"`
	PaymentMethod   string         `json:"payment_method"`
	Notes           string         `json:"notes,omitempty"`
	// IdempotencyKey необязательный клиентский ключ; повтор с тем же ключом вернёт тот же заказ.
	IdempotencyKey string `json:"-"`
}

// PlaceResult результат оформления. Replayed означает, что заказ создан ранее с тем же ключом.
type PlaceResult struct {
	Order    domain.Order
	Replayed bool
}

// placedResponse сохраняется в ключе идемпотентности после успешного оформления.
type placedResponse struct {
	OrderID string `json:"order_id"`
}

// Place оформляет заказ: проверка, резерв с откатом, снимок цен, расчёт сумм и сохранение.
// Все ошибки возвращаются как *domain.OrderError.
func (s *Service) Place(ctx context.Context, cmd PlaceOrderCommand) (result PlaceResult, err error) {
	start := s.now()
	s.metrics.PlacementStarted()

	ctx, span := s.tracer.Start(ctx, "ordering.Place", trace.WithAttributes(
		attribute.String("user.id", cmd.UserID),
		attribute.Int("order.items", len(cmd.Items)),
	))
	defer func() {
		kind := string(domain.KindOf(err))
		s.metrics.PlacementFinished(kind, s.now().Sub(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		} else {
			span.SetAttributes(attribute.String("order.id", result.Order.ID), attribute.Bool("order.replayed", result.Replayed))
		}
		span.End()
	}()

	cmd = normalizeCommand(cmd)
	method, err := validateCommand(cmd)
	if err != nil {
		return PlaceResult{}, err
	}

	scopedKey := ""
	if cmd.IdempotencyKey != "" {
		replay, proceed, scoped, err := s.beginIdempotent(ctx, cmd)
		if err != nil || !proceed {
			return replay, err
		}
		scopedKey = scoped
	}

	result, err = s.place(ctx, cmd, method)
	s.finishIdempotent(ctx, scopedKey, result, err)
	return result, err
}

func (s *Service) place(ctx context.Context, cmd PlaceOrderCommand, method domain.PaymentMethod) (PlaceResult, error) {
	logger := s.logger.WithFields(log.Fields{
		"user_id":         cmd.UserID,
		"idempotency_key": cmd.IdempotencyKey,
	})

	stepStart := s.now()
	products, err := s.lookupProducts(ctx, cmd.Items)
	s.metrics.RecordStepDuration("lookup", s.now().Sub(stepStart))
	if err != nil {
		return PlaceResult{}, err
	}

	order, err := s.buildOrder(cmd, method, products)
	if err != nil {
		return PlaceResult{}, err
	}

	stepStart = s.now()
	reservations, err := s.reserveAll(ctx, cmd.UserID, cmd.Items)
	s.metrics.RecordStepDuration("reserve", s.now().Sub(stepStart))
	if err != nil {
		logger.WithError(err).Info("placement rejected during reservation")
		return PlaceResult{}, err
	}

	stepStart = s.now()
	err = s.orders.Create(ctx, order)
	s.metrics.RecordStepDuration("persist", s.now().Sub(stepStart))
	if err != nil {
		if cmd.IdempotencyKey != "" && errors.Is(err, domain.ErrOrderAlreadyExists) {
			// Параллельный запрос с тем же ключом успел сохранить заказ: наша запись точно не создана.
			if existing, findErr := s.orders.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey); findErr == nil {
				s.rollback(ctx, cmd.UserID, reservations, domain.ReconcileRollbackFailed, "duplicate idempotency key")
				s.metrics.RecordReplay()
				return PlaceResult{Order: existing, Replayed: true}, nil
			}
		}

		// Запись могла примениться, поэтому резервы не возвращаем: решает сверка.
		lines := reservations.Lines()
		logger.WithError(err).WithFields(log.Fields{
			"order_id":     order.ID,
			"items":        cmd.Items,
			"reservations": lines,
		}).Error("order persistence failed, inventory left reserved for reconciliation")
		s.enqueueReconciliation(ctx, domain.ReconciliationTask{
			Kind:    domain.ReconcilePlacementPersistFailed,
			OrderID: order.ID,
			UserID:  cmd.UserID,
			Lines:   lines,
			Reason:  err.Error(),
		})
		return PlaceResult{}, domain.NewOrderError(domain.KindPersistenceFailed, err)
	}

	s.emitEvent(ctx, &order, domain.EventOrderPlaced, map[string]any{
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"total_minor":  order.TotalMinor,
		"currency":     order.Currency,
		"items":        domain.LinesFromItems(order.Items),
		"ts":           order.CreatedAt.Format(time.RFC3339Nano),
	})

	logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total_minor":  order.TotalMinor,
	}).Info("order placed")

	return PlaceResult{Order: order}, nil
}

// lookupProducts перечитывает каждый товар из каталога; кэша между оформлениями нет.
func (s *Service) lookupProducts(ctx context.Context, items []LineRequest) ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(items))
	for _, item := range items {
		product, err := s.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				return nil, unavailable(item.ProductID, "product not found")
			}
			return nil, domain.NewOrderError(domain.KindInternal, err)
		}
		if !product.Active {
			return nil, unavailable(item.ProductID, "product is not active")
		}
		products = append(products, product)
	}
	return products, nil
}

// reserveAll резервирует позиции по порядку; при любой ошибке возвращает на склад всё, что успело списаться.
func (s *Service) reserveAll(ctx context.Context, userID string, items []LineRequest) (*domain.Reservations, error) {
	reservations := &domain.Reservations{}
	for _, item := range items {
		err := s.ledger.Reserve(ctx, item.ProductID, item.Quantity)
		if err == nil {
			reservations.Add(item.ProductID, item.Quantity)
			continue
		}

		if reservations.Len() > 0 {
			s.rollback(ctx, userID, reservations, domain.ReconcileRollbackFailed, err.Error())
		}
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			return nil, domain.NewOrderError(domain.KindInsufficientStock, err)
		case errors.Is(err, domain.ErrProductNotFound):
			return nil, unavailable(item.ProductID, "product not found")
		default:
			return nil, domain.NewOrderError(domain.KindInternal, err)
		}
	}
	return reservations, nil
}

// rollback возвращает резервы попытки. Не возвращённые строки уходят в очередь сверки.
func (s *Service) rollback(ctx context.Context, userID string, reservations *domain.Reservations, kind domain.ReconciliationKind, reason string) {
	s.metrics.RecordRollback()
	failed := s.releaseLines(ctx, reservations.Lines())
	if len(failed) == 0 {
		return
	}
	s.enqueueReconciliation(ctx, domain.ReconciliationTask{
		Kind:   kind,
		UserID: userID,
		Lines:  failed,
		Reason: reason,
	})
}

// releaseLines возвращает остатки и отдаёт строки, которые вернуть не удалось.
// Отмена клиентского контекста не прерывает возврат.
func (s *Service) releaseLines(ctx context.Context, lines []domain.ReservationLine) []domain.ReservationLine {
	ctx = context.WithoutCancel(ctx)
	var failed []domain.ReservationLine
	for _, line := range lines {
		if err := s.ledger.Release(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"product_id": line.ProductID,
				"quantity":   line.Quantity,
			}).Error("inventory release failed")
			failed = append(failed, line)
		}
	}
	return failed
}

// buildOrder считает суммы до резервирования: переполнение отклоняет заказ без обращений к складу.
func (s *Service) buildOrder(cmd PlaceOrderCommand, method domain.PaymentMethod, products []domain.Product) (domain.Order, error) {
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	lines := make([]pricing.Line, 0, len(cmd.Items))
	for i, req := range cmd.Items {
		product := products[i]
		line := pricing.Line{UnitPriceMinor: product.PriceMinor, Quantity: req.Quantity}
		lineTotal, err := pricing.LineTotal(line)
		if err != nil {
			return domain.Order{}, domain.Errorf(domain.KindInvalidRequest, "product %s: %w", product.ID, err)
		}
		items = append(items, domain.OrderItem{
			ProductID:      product.ID,
			Name:           product.Name,
			SKU:            product.SKU,
			Image:          product.Image,
			Quantity:       req.Quantity,
			UnitPriceMinor: product.PriceMinor,
			LineTotalMinor: lineTotal,
		})
		lines = append(lines, line)
	}
	totals, err := pricing.Compute(lines, s.cfg.Pricing)
	if err != nil {
		return domain.Order{}, domain.Errorf(domain.KindInvalidRequest, "order totals: %w", err)
	}

	now := s.now()
	id := s.newID()
	return domain.Order{
		ID:              id,
		OrderNumber:     orderNumber(now, id),
		UserID:          cmd.UserID,
		Items:           items,
		Currency:        s.cfg.Currency,
		SubtotalMinor:   totals.SubtotalMinor,
		TaxMinor:        totals.TaxMinor,
		ShippingMinor:   totals.ShippingMinor,
		TotalMinor:      totals.TotalMinor,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentMethod:   method,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		Notes:           cmd.Notes,
		IdempotencyKey:  cmd.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func normalizeCommand(cmd PlaceOrderCommand) PlaceOrderCommand {
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	cmd.Notes = strings.TrimSpace(cmd.Notes)
	cmd.ShippingAddress = cmd.ShippingAddress.Normalize()
	cmd.BillingAddress = cmd.BillingAddress.Normalize()
	if cmd.BillingAddress == (domain.Address{}) {
		cmd.BillingAddress = cmd.ShippingAddress
	}
	items := make([]LineRequest, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		items = append(items, item)
	}
	cmd.Items = items
	return cmd
}

// validateCommand проверяет запрос до любых обращений к складу.
func validateCommand(cmd PlaceOrderCommand) (domain.PaymentMethod, error) {
	if cmd.UserID == "" {
		return "", domain.NewOrderError(domain.KindInvalidRequest, domain.ErrUserRequired)
	}
	if len(cmd.Items) == 0 {
		return "", domain.NewOrderError(domain.KindEmptyCart, domain.ErrItemsRequired)
	}
	for _, item := range cmd.Items {
		if item.ProductID == "" {
			return "", domain.NewOrderError(domain.KindInvalidRequest, domain.ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			return "", domain.Errorf(domain.KindInvalidRequest, "%w: product %s", domain.ErrQuantityInvalid, item.ProductID)
		}
		if item.Quantity > domain.MaxLineQuantity {
			return "", domain.Errorf(domain.KindInvalidRequest, "%w: product %s", domain.ErrQuantityTooLarge, item.ProductID)
		}
	}
	if err := cmd.ShippingAddress.Validate(); err != nil {
		return "", domain.Errorf(domain.KindInvalidRequest, "shipping %w", err)
	}
	if err := cmd.BillingAddress.Validate(); err != nil {
		return "", domain.Errorf(domain.KindInvalidRequest, "billing %w", err)
	}
	method, err := domain.ParsePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return "", domain.NewOrderError(domain.KindInvalidRequest, err)
	}
	return method, nil
}

func unavailable(productID, message string) *domain.OrderError {
	e := domain.Errorf(domain.KindProductUnavailable, "%s: %s", message, productID)
	e.ProductID = productID
	return e
}

// requestHash отпечаток тела запроса для сравнения повторов с одним ключом.
func requestHash(cmd PlaceOrderCommand) (string, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotent занимает ключ или отвечает повтором.
// proceed=false означает, что ответ уже сформирован (replay или ошибка).
func (s *Service) beginIdempotent(ctx context.Context, cmd PlaceOrderCommand) (PlaceResult, bool, string, error) {
	if s.idempotency == nil {
		if existing, err := s.orders.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey); err == nil {
			s.metrics.RecordReplay()
			return PlaceResult{Order: existing, Replayed: true}, false, "", nil
		}
		return PlaceResult{}, true, "", nil
	}

	hash, err := requestHash(cmd)
	if err != nil {
		return PlaceResult{}, false, "", domain.NewOrderError(domain.KindInternal, err)
	}
	scoped := domain.ScopedIdempotencyKey(placeOrderOperation, cmd.UserID, cmd.IdempotencyKey)

	record, err := s.idempotency.CreateProcessing(ctx, scoped, hash, s.now().Add(s.cfg.IdempotencyTTL))
	switch {
	case err == nil:
		// Ключ мог истечь, пока заказ уже существует.
		if existing, findErr := s.orders.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey); findErr == nil {
			s.markIdempotencyDone(ctx, scoped, existing.ID)
			s.metrics.RecordReplay()
			return PlaceResult{Order: existing, Replayed: true}, false, "", nil
		}
		return PlaceResult{}, true, scoped, nil
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return PlaceResult{}, false, "", domain.NewOrderError(domain.KindIdempotencyConflict, err)
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		return PlaceResult{}, false, "", domain.NewOrderError(domain.KindInternal, err)
	}

	if existing, findErr := s.orders.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey); findErr == nil {
		s.metrics.RecordReplay()
		return PlaceResult{Order: existing, Replayed: true}, false, "", nil
	}

	switch record.Status {
	case domain.IdempotencyStatusFailed:
		stored := decodeStoredError(record.ResponseBody)
		if retryableKind(stored.Kind) {
			return PlaceResult{}, true, scoped, nil
		}
		return PlaceResult{}, false, "", stored
	case domain.IdempotencyStatusDone:
		var response placedResponse
		if json.Unmarshal(record.ResponseBody, &response) == nil && response.OrderID != "" {
			if existing, getErr := s.orders.Get(ctx, response.OrderID); getErr == nil {
				s.metrics.RecordReplay()
				return PlaceResult{Order: existing, Replayed: true}, false, "", nil
			}
		}
		return PlaceResult{}, false, "", domain.Errorf(domain.KindInternal, "idempotency record points to a missing order")
	default:
		return PlaceResult{}, false, "", domain.Errorf(domain.KindInProgress, "order with this idempotency key is being placed")
	}
}

// finishIdempotent сохраняет исход оформления в ключе.
func (s *Service) finishIdempotent(ctx context.Context, scopedKey string, result PlaceResult, placeErr error) {
	if scopedKey == "" || s.idempotency == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if placeErr == nil {
		s.markIdempotencyDone(ctx, scopedKey, result.Order.ID)
		return
	}

	var orderErr *domain.OrderError
	if !errors.As(placeErr, &orderErr) {
		orderErr = domain.NewOrderError(domain.KindInternal, placeErr)
	}
	body, err := json.Marshal(orderErr)
	if err != nil {
		s.logger.WithError(err).Warn("marshal idempotency error body failed")
		return
	}
	status := http.StatusBadRequest
	if retryableKind(orderErr.Kind) {
		status = http.StatusInternalServerError
	}
	if err := s.idempotency.MarkFailed(ctx, scopedKey, body, status); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", scopedKey).Warn("mark idempotency key failed")
	}
}

func (s *Service) markIdempotencyDone(ctx context.Context, scopedKey, orderID string) {
	body, err := json.Marshal(placedResponse{OrderID: orderID})
	if err != nil {
		return
	}
	if err := s.idempotency.MarkDone(ctx, scopedKey, body, http.StatusCreated); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": scopedKey,
			"order_id":        orderID,
		}).Warn("mark idempotency key done failed")
	}
}

func decodeStoredError(body []byte) *domain.OrderError {
	var stored domain.OrderError
	if err := json.Unmarshal(body, &stored); err != nil || stored.Kind == "" {
		return domain.Errorf(domain.KindInternal, "previous attempt with this idempotency key failed")
	}
	return &stored
}

// retryableKind ошибки, после которых повтор с тем же ключом выполняет оформление заново.
func retryableKind(kind domain.ErrorKind) bool {
	return kind == domain.KindPersistenceFailed || kind == domain.KindInternal
}
