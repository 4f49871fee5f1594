/**
 * @description
 * HTTP handlers for the funding-service. Handlers decode and validate requests,
 * call the application service, and translate domain errors into status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - internal/app, internal/domain: use cases and error catalogue.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/giftstock/funding-service/internal/app"
	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/pkg/paymentclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	maxRequestBodyBytes     = 64 << 10
	maxWebhookBodyBytes     = 256 << 10
	maxIdempotencyKeyLength = 255
	sweepBatchLimit         = 500
)

// FundingHandlers holds the application service that handlers will use.
type FundingHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewFundingHandlers creates a new instance of FundingHandlers.
func NewFundingHandlers(service *app.Service) *FundingHandlers {
	return &FundingHandlers{service: service, validate: validator.New()}
}

type errorResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code,omitempty"`
	RemainingAmount string `json:"remaining_amount,omitempty"`
}

type brokerageHookRequest struct {
	OrderID string `json:"order_id" validate:"max=128"`
	Reason  string `json:"reason" validate:"max=500"`
}

type sweepResponse struct {
	Swept int `json:"swept"`
}

// CreateEventHandler opens a new gifting event owned by the caller.
func (h *FundingHandlers) CreateEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var req domain.CreateEventRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	event, err := h.service.CreateEvent(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, "create_event", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, event)
}

func (h *FundingHandlers) GetEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}
	details, err := h.service.GetEvent(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, "get_event", err)
		return
	}
	h.writeJSON(w, http.StatusOK, details)
}

func (h *FundingHandlers) ListContributionsHandler(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}
	contributions, err := h.service.ListContributions(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, "list_contributions", err)
		return
	}
	if contributions == nil {
		contributions = []domain.Contribution{}
	}
	h.writeJSON(w, http.StatusOK, contributions)
}

// CreatePaymentIntentHandler opens a processor payment for a contribution.
func (h *FundingHandlers) CreatePaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	eventID, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}

	var req domain.CreatePaymentIntentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		h.writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}

	intent, err := h.service.CreatePaymentIntent(r.Context(), userID, eventID, req)
	if err != nil {
		h.writeServiceError(w, "create_payment_intent", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, intent)
}

// ConfirmPaymentHandler applies a captured payment. It is only exposed to
// internal callers because it trusts that the processor already captured funds.
func (h *FundingHandlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "paymentReference"))
	contribution, err := h.service.ConfirmPayment(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, "confirm_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, contribution)
}

func (h *FundingHandlers) RefundContributionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	contributionID, err := uuid.Parse(chi.URLParam(r, "contributionID"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Contribution not found")
		return
	}

	var req domain.RefundRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.RequestRefund(r.Context(), userID, contributionID, req)
	if err != nil {
		h.writeServiceError(w, "refund_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *FundingHandlers) CancelEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	eventID, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}

	var req domain.CancelEventRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	event, err := h.service.CancelEvent(r.Context(), userID, eventID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "cancel_event", err)
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

// QuoteFeeHandler returns the fee breakdown for ?amount=.
func (h *FundingHandlers) QuoteFeeHandler(w http.ResponseWriter, r *http.Request) {
	quote, err := h.service.QuoteFee(r.URL.Query().Get("amount"))
	if err != nil {
		h.writeServiceError(w, "quote_fee", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// StripeWebhookHandler verifies and applies a Stripe event. Any non-2xx reply makes
// Stripe redeliver, so only transient failures return 500.
func (h *FundingHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	err = h.service.HandleStripeWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, paymentclient.ErrInvalidSignature) {
			log.Printf("level=warn component=api endpoint=stripe_webhook outcome=reject reason=invalid_signature err=%v", err)
			h.writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		log.Printf("level=error component=api endpoint=stripe_webhook outcome=retry err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *FundingHandlers) OrderPlacedHandler(w http.ResponseWriter, r *http.Request) {
	h.brokerageHook(w, r, "order_placed", func(req brokerageHookRequest, eventID uuid.UUID) (*domain.Event, error) {
		return h.service.MarkEventPurchasing(r.Context(), eventID, req.OrderID, req.Reason)
	})
}

func (h *FundingHandlers) OrderFilledHandler(w http.ResponseWriter, r *http.Request) {
	h.brokerageHook(w, r, "order_filled", func(req brokerageHookRequest, eventID uuid.UUID) (*domain.Event, error) {
		return h.service.MarkEventInvested(r.Context(), eventID, req.OrderID, req.Reason)
	})
}

func (h *FundingHandlers) CompletedHandler(w http.ResponseWriter, r *http.Request) {
	h.brokerageHook(w, r, "completed", func(req brokerageHookRequest, eventID uuid.UUID) (*domain.Event, error) {
		return h.service.MarkEventCompleted(r.Context(), eventID, req.Reason)
	})
}

func (h *FundingHandlers) brokerageHook(w http.ResponseWriter, r *http.Request, endpoint string, apply func(brokerageHookRequest, uuid.UUID) (*domain.Event, error)) {
	eventID, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}
	var req brokerageHookRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	event, err := apply(req, eventID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

// SweepPendingHandler runs the pending-contribution janitor on demand.
func (h *FundingHandlers) SweepPendingHandler(w http.ResponseWriter, r *http.Request) {
	limit := sweepBatchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, sweepBatchLimit)
	}

	swept, err := h.service.SweepStalePending(r.Context(), h.service.PendingTTL(), limit)
	if err != nil {
		h.writeServiceError(w, "sweep_pending", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sweepResponse{Swept: swept})
}

func (h *FundingHandlers) eventIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	eventID, err := app.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Event not found")
		return uuid.Nil, false
	}
	return eventID, true
}

// decodeAndValidate decodes the body with numbers preserved as json.Number so
// amounts never pass through float64.
func (h *FundingHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return h.decode(w, r, dst, false)
}

// decodeOptional accepts an empty body and validates the zero value.
func (h *FundingHandlers) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return h.decode(w, r, dst, true)
}

func (h *FundingHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return false
	}
	return true
}

func (h *FundingHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, body := errorToResponse(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
	} else {
		log.Printf("level=info component=api endpoint=%s outcome=reject status=%d code=%s err=%v", endpoint, status, body.Code, err)
	}

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	h.writeJSON(w, status, body)
}

// errorToResponse maps the domain error catalogue to HTTP statuses.
func errorToResponse(err error) (int, errorResponse) {
	var capErr *domain.FundingCapError
	if errors.As(err, &capErr) {
		return http.StatusConflict, errorResponse{
			Error:           err.Error(),
			Code:            string(domain.KindFundingCapExceeded),
			RemainingAmount: capErr.Remaining.StringFixed(2),
		}
	}

	code := ""
	if kind, ok := domain.KindOf(err); ok {
		code = string(kind)
	}

	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBelowMinimum),
		errors.Is(err, domain.ErrAboveMaximum),
		errors.Is(err, domain.ErrTooManyDecimals),
		errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidDeadline):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: code}
	case errors.Is(err, domain.ErrUnknownPaymentReference),
		errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrContributionNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Code: code}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusGone, errorResponse{Error: "payment window expired", Code: code}
	case errors.Is(err, domain.ErrDuplicateReference),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrRefundNotAllowedAfterFunding),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrEventNotAccepting):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: code}
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, errorResponse{Error: "Too many requests. Please try again shortly."}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrPaymentProcessorFailure):
		return http.StatusInternalServerError, errorResponse{Error: "Payment processor unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *FundingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *FundingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
