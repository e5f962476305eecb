package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/memberclub/backend/internal/audit"
	"github.com/memberclub/backend/internal/config"
	"github.com/memberclub/backend/internal/middleware"
	"github.com/memberclub/backend/internal/models"
	"github.com/memberclub/backend/internal/notify"
)

const settlementQueueKey = "settlement_queue"

// CashRequestService runs the cash-in/cash-out approval state machine.
// Requests never touch balances until an admin approves them, and a terminal
// request is immutable: re-deciding it fails without double-applying funds.
type CashRequestService struct {
	db        *sql.DB
	redis     *redis.Client
	wallets   *WalletService
	audit     *audit.Logger
	validator *ValidationHelper
	notifier  *notify.Notifier
	cfg       *config.LedgerConfig
}

func NewCashRequestService(db *sql.DB, redisClient *redis.Client, wallets *WalletService, notifier *notify.Notifier, cfg *config.LedgerConfig) *CashRequestService {
	return &CashRequestService{
		db:        db,
		redis:     redisClient,
		wallets:   wallets,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		notifier:  notifier,
		cfg:       cfg,
	}
}

// CreateRequestInput is the DTO for a new cash request.
type CreateRequestInput struct {
	Direction     string `json:"direction" validate:"required,oneof=cash_in cash_out"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method" validate:"required,max=32"`
	ProofRef      string `json:"proof_ref" validate:"max=512"`
}

// DecideRequestInput is the DTO for an admin decision.
type DecideRequestInput struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject hold flag"`
	Reason   string `json:"reason" validate:"max=500"`
}

// Create inserts a pending request. No balance effect happens here.
func (s *CashRequestService) Create(ctx context.Context, userID string, in CreateRequestInput) (*models.CashRequest, error) {
	direction := models.RequestDirection(in.Direction)
	if !direction.Valid() || in.Amount <= 0 {
		return nil, fmt.Errorf("%w: bad direction or amount", ErrInvalidInput)
	}

	if err := s.checkRateLimit(ctx, userID); err != nil {
		return nil, err
	}

	var fee int64
	if direction == models.CashOut {
		fee = s.cfg.CashOutFee(in.Amount)
		if fee >= in.Amount {
			return nil, fmt.Errorf("%w: amount does not cover the fee", ErrInvalidInput)
		}
	}

	req := &models.CashRequest{
		ID:            uuid.New().String(),
		UserID:        userID,
		Direction:     direction,
		Amount:        in.Amount,
		FeeAmount:     fee,
		NetAmount:     in.Amount - fee,
		PaymentMethod: in.PaymentMethod,
		ProofRef:      in.ProofRef,
		Status:        models.RequestPending,
		CreatedAt:     time.Now(),
	}

	pinVerified := s.pinVerified(ctx, userID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_requests (id, user_id, direction, amount, fee_amount, net_amount, payment_method, proof_ref, pin_verified, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.UserID, req.Direction, req.Amount, req.FeeAmount, req.NetAmount,
		req.PaymentMethod, req.ProofRef, pinVerified, req.Status, req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}

	s.incrementRateLimit(ctx, userID)
	log.Printf("[REQUEST] Created %s request %s for user %s, amount %d", direction, req.ID, userID, in.Amount)
	return req, nil
}

// Decide applies an admin decision. Approval settles funds through the
// transfer coordinator inside the same SQL transaction that flips the status;
// if the settlement fails the request stays in its prior state.
func (s *CashRequestService) Decide(ctx context.Context, requestID, adminID string, decision models.RequestDecision, reason string) (*models.CashRequest, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.wallets.setLockTimeoutTx(tx); err != nil {
		return nil, err
	}

	req, err := s.lockRequestTx(tx, requestID)
	if err != nil {
		return nil, err
	}

	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request %s is %s", ErrAlreadyFinalized, requestID, req.Status)
	}

	now := time.Now()
	switch decision {
	case models.DecisionApprove:
		if err := s.approveTx(tx, req, adminID, now); err != nil {
			s.audit.LogError(requestID, adminID, err)
			return nil, err
		}
	case models.DecisionReject:
		_, err = tx.Exec(`
			UPDATE cash_requests
			SET status = $1, rejection_reason = $2, reviewed_by = $3, reviewed_at = $4
			WHERE id = $5`,
			models.RequestRejected, reason, adminID, now, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to reject request: %w", err)
		}
		req.Status = models.RequestRejected
		req.RejectionReason = reason
	case models.DecisionHold, models.DecisionFlag:
		if req.Status != models.RequestPending {
			return nil, fmt.Errorf("%w: only pending requests can be held or flagged", ErrInvalidInput)
		}
		next := models.RequestOnHold
		if decision == models.DecisionFlag {
			next = models.RequestFlagged
		}
		_, err = tx.Exec(`
			UPDATE cash_requests
			SET status = $1, reviewed_by = $2, reviewed_at = $3
			WHERE id = $4`,
			next, adminID, now, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to update request: %w", err)
		}
		req.Status = next
	}
	req.ReviewedBy = adminID
	req.ReviewedAt = &now

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	s.afterDecision(ctx, req, decision)
	return req, nil
}

// approveTx settles the request inside the caller's transaction: cash-in
// credits the member's main wallet from the treasury, cash-out debits it into
// the treasury with net_amount paid on the external rail.
func (s *CashRequestService) approveTx(tx *sql.Tx, req *models.CashRequest, adminID string, now time.Time) error {
	if req.Direction == models.CashOut {
		if !req.PinVerified {
			return ErrPinNotVerified
		}
		active, err := s.hasActiveLoanTx(tx, req.UserID)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveLoan
		}
	}

	treasuryID, err := s.wallets.ensureWalletTx(tx, s.cfg.TreasuryUserID, models.WalletMain)
	if err != nil {
		return err
	}
	userMainID, err := s.wallets.ensureWalletTx(tx, req.UserID, models.WalletMain)
	if err != nil {
		return err
	}

	if req.Direction == models.CashIn {
		err = s.wallets.TransferTx(tx, treasuryID, userMainID, req.Amount,
			models.TxTypeCashIn, "cash-in approved", req.ID)
	} else {
		err = s.wallets.TransferTx(tx, userMainID, treasuryID, req.Amount,
			models.TxTypeCashOut, "cash-out approved", req.ID)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE cash_requests
		SET status = $1, reviewed_by = $2, reviewed_at = $3
		WHERE id = $4`,
		models.RequestApproved, adminID, now, req.ID)
	if err != nil {
		return fmt.Errorf("failed to approve request: %w", err)
	}
	req.Status = models.RequestApproved
	return nil
}

func (s *CashRequestService) afterDecision(ctx context.Context, req *models.CashRequest, decision models.RequestDecision) {
	s.audit.LogDecision(req.ID, req.ReviewedBy, string(decision), req.Amount)

	switch req.Status {
	case models.RequestApproved:
		s.wallets.invalidateBalances(ctx, req.UserID, s.cfg.TreasuryUserID)
		s.notifier.Publish(ctx, notify.EventRequestApproved, req.UserID, req)
		if req.Direction == models.CashOut {
			s.queueForSettlement(ctx, req)
		}
	case models.RequestRejected:
		s.notifier.Publish(ctx, notify.EventRequestRejected, req.UserID, req)
	case models.RequestOnHold:
		s.notifier.Publish(ctx, notify.EventRequestHeld, req.UserID, req)
	case models.RequestFlagged:
		s.notifier.Publish(ctx, notify.EventRequestFlagged, req.UserID, req)
	}
}

// Get returns a request by id, for status polling.
func (s *CashRequestService) Get(ctx context.Context, requestID string) (*models.CashRequest, error) {
	var req models.CashRequest
	var reviewedBy, rejectionReason sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, direction, amount, fee_amount, net_amount, payment_method, proof_ref, pin_verified, status, rejection_reason, reviewed_by, reviewed_at, created_at
		FROM cash_requests
		WHERE id = $1`, requestID).
		Scan(&req.ID, &req.UserID, &req.Direction, &req.Amount, &req.FeeAmount, &req.NetAmount,
			&req.PaymentMethod, &req.ProofRef, &req.PinVerified, &req.Status,
			&rejectionReason, &reviewedBy, &reviewedAt, &req.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
		}
		return nil, err
	}
	req.RejectionReason = rejectionReason.String
	req.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		req.ReviewedAt = &reviewedAt.Time
	}
	return &req, nil
}

func (s *CashRequestService) lockRequestTx(tx *sql.Tx, requestID string) (*models.CashRequest, error) {
	var req models.CashRequest
	err := tx.QueryRow(`
		SELECT id, user_id, direction, amount, fee_amount, net_amount, pin_verified, status
		FROM cash_requests
		WHERE id = $1
		FOR UPDATE`, requestID).
		Scan(&req.ID, &req.UserID, &req.Direction, &req.Amount, &req.FeeAmount,
			&req.NetAmount, &req.PinVerified, &req.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
		}
		return nil, mapLockError(err)
	}
	return &req, nil
}

func (s *CashRequestService) hasActiveLoanTx(tx *sql.Tx, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM loans
			WHERE borrower_id = $1 AND status = 'active'
		)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("active loan check failed: %w", err)
	}
	return exists, nil
}

// pinVerified consults the short-lived flag the auth service sets after a
// successful PIN check. Without Redis the flag cannot be proven, so cash-outs
// created then will need a fresh verification round.
func (s *CashRequestService) pinVerified(ctx context.Context, userID string) bool {
	if s.redis == nil {
		return false
	}
	ok, err := s.redis.Get(ctx, pinVerifiedKey(userID)).Result()
	return err == nil && ok == "1"
}

func (s *CashRequestService) queueForSettlement(ctx context.Context, req *models.CashRequest) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := s.redis.RPush(ctx, settlementQueueKey, data).Err(); err != nil {
		log.Printf("[REQUEST] Failed to queue %s for settlement: %v", req.ID, err)
	}
}

func (s *CashRequestService) checkRateLimit(ctx context.Context, userID string) error {
	if s.redis == nil {
		return nil
	}
	count, err := s.redis.Get(ctx, rateLimitKey(userID)).Int()
	if err != nil && err != redis.Nil {
		return nil // rate limiting is best-effort
	}
	if count >= s.cfg.MaxRequestsPerUser {
		return fmt.Errorf("%w: request limit reached", ErrTooFast)
	}
	return nil
}

func (s *CashRequestService) incrementRateLimit(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	key := rateLimitKey(userID)
	if count, err := s.redis.Incr(ctx, key).Result(); err == nil && count == 1 {
		s.redis.Expire(ctx, key, s.cfg.RateLimitWindow)
	}
}

func rateLimitKey(userID string) string {
	return fmt.Sprintf("reqlimit:%s", userID)
}

func pinVerifiedKey(userID string) string {
	return fmt.Sprintf("pin_ok:%s", userID)
}

// AdminStats aggregates request and loan counts for the admin dashboard poll.
func (s *CashRequestService) AdminStats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM cash_requests
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, sum int64
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, err
		}
		stats["requests_"+status] = count
		stats["requests_"+status+"_amount"] = sum
	}
	return stats, rows.Err()
}

// HTTP handlers

// HandleCreate creates a cash request
// @Summary Create cash-in/cash-out request
// @Description Create an admin-reviewed deposit or withdrawal request
// @Tags requests
// @Accept json
// @Produce json
// @Param request body CreateRequestInput true "Request details"
// @Success 201 {object} models.CashRequest
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /requests [post]
func (s *CashRequestService) HandleCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateRequestInput
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	created, err := s.Create(r.Context(), identity.UserID, req)
	if err != nil {
		log.Printf("[REQUEST] Create failed for %s: %v", identity.UserID, err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, created)
}

// HandleGet returns a request by id
// @Summary Get request status
// @Description Poll a cash request's current status
// @Tags requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} models.CashRequest
// @Failure 404 {object} ErrorResponse
// @Router /requests/{id} [get]
func (s *CashRequestService) HandleGet(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	req, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	if req.UserID != identity.UserID && !identity.IsAdmin {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	WriteJSON(w, http.StatusOK, req)
}

// HandleDecide applies an admin decision
// @Summary Decide a cash request
// @Description Approve, reject, hold, or flag a cash request (admin only)
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param decision body DecideRequestInput true "Decision"
// @Success 200 {object} models.CashRequest
// @Failure 409 {object} ErrorResponse
// @Router /admin/requests/{id}/decide [post]
func (s *CashRequestService) HandleDecide(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok || !identity.IsAdmin {
		SendErrorResponse(w, "Admin access required", http.StatusForbidden, nil)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var in DecideRequestInput
	if err := dec.Decode(&in); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&in); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	req, err := s.Decide(r.Context(), chi.URLParam(r, "id"), identity.UserID,
		models.RequestDecision(in.Decision), in.Reason)
	if err != nil {
		log.Printf("[REQUEST] Decision failed for %s: %v", chi.URLParam(r, "id"), err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, req)
}

// HandleStats returns admin aggregates
// @Summary Admin dashboard stats
// @Description Aggregate request counts and amounts by status (admin only)
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]int64
// @Router /admin/stats [get]
func (s *CashRequestService) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.AdminStats(r.Context())
	if err != nil {
		log.Printf("[REQUEST] Stats query failed: %v", err)
		SendErrorResponse(w, "Failed to fetch stats", http.StatusInternalServerError, nil)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
