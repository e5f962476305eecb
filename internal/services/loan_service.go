package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
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

const sweepLockKey = "loan_sweep_lock"

// LoanService runs the peer-to-peer loan lifecycle on top of the transfer
// coordinator. Every fund movement goes through WalletService; the loan rows
// only ever record what the ledger already committed.
type LoanService struct {
	db        *sql.DB
	redis     *redis.Client
	wallets   *WalletService
	audit     *audit.Logger
	validator *ValidationHelper
	notifier  *notify.Notifier
	cfg       *config.LedgerConfig

	sweepMu sync.Mutex
}

func NewLoanService(db *sql.DB, redisClient *redis.Client, wallets *WalletService, notifier *notify.Notifier, cfg *config.LedgerConfig) *LoanService {
	return &LoanService{
		db:        db,
		redis:     redisClient,
		wallets:   wallets,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		notifier:  notifier,
		cfg:       cfg,
	}
}

// OfferLoanInput is the DTO for posting a loan offer.
type OfferLoanInput struct {
	Principal    int64   `json:"principal" validate:"required,gt=0"`
	InterestRate float64 `json:"interest_rate" validate:"gte=0,lte=1"`
	TermDays     int     `json:"term_days" validate:"required,gt=0,lte=365"`
}

// Offer escrows the lender's principal and posts a pending loan. Interest and
// the processing fee are computed exactly once here; TotalRepayment is never
// recomputed after acceptance.
func (s *LoanService) Offer(ctx context.Context, lenderID string, in OfferLoanInput) (*models.Loan, error) {
	if in.Principal <= 0 || in.InterestRate < 0 || in.TermDays <= 0 {
		return nil, fmt.Errorf("%w: bad principal, rate, or term", ErrInvalidInput)
	}

	interest := int64(float64(in.Principal) * in.InterestRate)
	fee := s.cfg.LoanProcessingFee(in.Principal)
	total := in.Principal + interest - fee
	if total <= 0 {
		return nil, fmt.Errorf("%w: fee exceeds principal plus interest", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.wallets.setLockTimeoutTx(tx); err != nil {
		return nil, err
	}

	lenderMainID, err := s.wallets.ensureWalletTx(tx, lenderID, models.WalletMain)
	if err != nil {
		return nil, err
	}

	loanID := uuid.New().String()
	escrowID, err := s.createEscrowWalletTx(tx, loanID)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.TransferTx(tx, lenderMainID, escrowID, in.Principal,
		models.TxTypeLoanEscrow, "loan offer escrow", loanID); err != nil {
		s.audit.LogError(loanID, lenderID, err)
		return nil, err
	}

	loan := &models.Loan{
		ID:             loanID,
		LenderID:       lenderID,
		Principal:      in.Principal,
		InterestRate:   in.InterestRate,
		InterestAmount: interest,
		ProcessingFee:  fee,
		TotalRepayment: total,
		TermDays:       in.TermDays,
		Status:         models.LoanPending,
		EscrowWalletID: escrowID,
		CreatedAt:      time.Now(),
	}

	_, err = tx.Exec(`
		INSERT INTO loans (id, lender_id, principal_amount, interest_rate, interest_amount, processing_fee, total_repayment, term_days, status, escrow_wallet_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		loan.ID, loan.LenderID, loan.Principal, loan.InterestRate, loan.InterestAmount,
		loan.ProcessingFee, loan.TotalRepayment, loan.TermDays, loan.Status,
		loan.EscrowWalletID, loan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert loan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit offer: %w", err)
	}

	s.audit.LogLoanEvent(loanID, lenderID, "LOAN_OFFERED", in.Principal)
	s.wallets.invalidateBalances(ctx, lenderID)
	log.Printf("[LOAN] Offer %s posted by %s: principal %d, repayment %d", loanID, lenderID, in.Principal, total)
	return loan, nil
}

// Accept claims a pending offer for the borrower. The loan row is locked for
// the duration, so of two concurrent accepts exactly one wins; the loser sees
// AlreadyAccepted.
func (s *LoanService) Accept(ctx context.Context, loanID, borrowerID string) (*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.wallets.setLockTimeoutTx(tx); err != nil {
		return nil, err
	}

	loan, err := s.lockLoanTx(tx, loanID)
	if err != nil {
		return nil, err
	}

	if loan.Status != models.LoanPending || loan.BorrowerID != "" {
		return nil, fmt.Errorf("%w: loan %s", ErrAlreadyAccepted, loanID)
	}
	if loan.LenderID == borrowerID {
		return nil, fmt.Errorf("%w: cannot accept own offer", ErrInvalidInput)
	}

	borrowerMainID, err := s.wallets.ensureWalletTx(tx, borrowerID, models.WalletMain)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.TransferTx(tx, loan.EscrowWalletID, borrowerMainID, loan.Principal,
		models.TxTypeLoanDisburse, "loan principal disbursed", loanID); err != nil {
		s.audit.LogError(loanID, borrowerID, err)
		return nil, err
	}

	now := time.Now()
	dueAt := now.Add(time.Duration(loan.TermDays) * 24 * time.Hour)
	_, err = tx.Exec(`
		UPDATE loans
		SET borrower_id = $1, status = $2, accepted_at = $3, due_at = $4
		WHERE id = $5`,
		borrowerID, models.LoanActive, now, dueAt, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to activate loan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit accept: %w", err)
	}

	loan.BorrowerID = borrowerID
	loan.Status = models.LoanActive
	loan.AcceptedAt = &now
	loan.DueAt = &dueAt

	s.audit.LogLoanEvent(loanID, borrowerID, "LOAN_ACCEPTED", loan.Principal)
	s.wallets.invalidateBalances(ctx, borrowerID)
	s.notifier.Publish(ctx, notify.EventLoanAccepted, loan.LenderID, loan)
	return loan, nil
}

// Repay settles an active loan: total repayment moves borrower to lender.
// Insufficient borrower funds leave the loan active.
func (s *LoanService) Repay(ctx context.Context, loanID string) (*models.Loan, error) {
	loan, err := s.repayOnce(ctx, loanID)
	if err != nil {
		return nil, err
	}

	s.audit.LogLoanEvent(loanID, loan.BorrowerID, "LOAN_REPAID", loan.TotalRepayment)
	s.wallets.invalidateBalances(ctx, loan.BorrowerID, loan.LenderID)
	s.notifier.Publish(ctx, notify.EventLoanRepaid, loan.LenderID, loan)
	s.notifier.Publish(ctx, notify.EventLoanRepaid, loan.BorrowerID, loan)
	return loan, nil
}

func (s *LoanService) repayOnce(ctx context.Context, loanID string) (*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.wallets.setLockTimeoutTx(tx); err != nil {
		return nil, err
	}

	loan, err := s.lockLoanTx(tx, loanID)
	if err != nil {
		return nil, err
	}

	if loan.Status == models.LoanPending {
		return nil, fmt.Errorf("%w: loan %s has not been accepted", ErrInvalidInput, loanID)
	}
	if loan.Status != models.LoanActive {
		return nil, fmt.Errorf("%w: loan %s is %s", ErrAlreadyFinalized, loanID, loan.Status)
	}

	borrowerMainID, err := s.wallets.ensureWalletTx(tx, loan.BorrowerID, models.WalletMain)
	if err != nil {
		return nil, err
	}
	lenderMainID, err := s.wallets.ensureWalletTx(tx, loan.LenderID, models.WalletMain)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.TransferTx(tx, borrowerMainID, lenderMainID, loan.TotalRepayment,
		models.TxTypeLoanRepayment, "loan repayment", loanID); err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE loans
		SET status = $1, repaid_at = $2
		WHERE id = $3`,
		models.LoanRepaid, now, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark loan repaid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repayment: %w", err)
	}

	loan.Status = models.LoanRepaid
	loan.RepaidAt = &now
	return loan, nil
}

// Cancel withdraws an unaccepted offer and returns the escrowed principal to
// the lender, restoring the pre-offer balance exactly.
func (s *LoanService) Cancel(ctx context.Context, loanID, lenderID string) (*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.wallets.setLockTimeoutTx(tx); err != nil {
		return nil, err
	}

	loan, err := s.lockLoanTx(tx, loanID)
	if err != nil {
		return nil, err
	}

	if loan.LenderID != lenderID {
		return nil, fmt.Errorf("%w: only the lender can cancel an offer", ErrUnauthorized)
	}
	if loan.Status != models.LoanPending {
		return nil, fmt.Errorf("%w: loan %s is %s", ErrAlreadyFinalized, loanID, loan.Status)
	}

	lenderMainID, err := s.wallets.ensureWalletTx(tx, lenderID, models.WalletMain)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.TransferTx(tx, loan.EscrowWalletID, lenderMainID, loan.Principal,
		models.TxTypeLoanRefund, "loan offer cancelled", loanID); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE loans SET status = $1 WHERE id = $2`, models.LoanCancelled, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel loan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}

	loan.Status = models.LoanCancelled
	s.audit.LogLoanEvent(loanID, lenderID, "LOAN_CANCELLED", loan.Principal)
	s.wallets.invalidateBalances(ctx, lenderID)
	s.notifier.Publish(ctx, notify.EventLoanCancelled, lenderID, loan)
	return loan, nil
}

// SweepExpired resolves every active loan past its due date: implicit repay
// where the borrower can cover it, default otherwise. One loan's failure
// never aborts the rest, and a second pass over already-terminal loans is a
// no-op, so the sweep is idempotent. Only one sweep runs at a time.
func (s *LoanService) SweepExpired(ctx context.Context) (*models.SweepResult, error) {
	if !s.sweepMu.TryLock() {
		log.Printf("[SWEEP] Sweep already in flight, skipping")
		return &models.SweepResult{}, nil
	}
	defer s.sweepMu.Unlock()

	if !s.acquireSweepLock(ctx) {
		log.Printf("[SWEEP] Another instance holds the sweep lock, skipping")
		return &models.SweepResult{}, nil
	}
	defer s.releaseSweepLock(ctx)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM loans
		WHERE status = 'active' AND due_at < $1
		ORDER BY due_at`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired loans: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &models.SweepResult{}
	for _, loanID := range expired {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		loan, err := s.repayOnce(ctx, loanID)
		if err == nil {
			result.RepaidCount++
			result.TotalRepaid += loan.TotalRepayment
			s.audit.LogLoanEvent(loanID, loan.BorrowerID, "LOAN_REPAID", loan.TotalRepayment)
			s.wallets.invalidateBalances(ctx, loan.BorrowerID, loan.LenderID)
			s.notifier.Publish(ctx, notify.EventLoanRepaid, loan.LenderID, loan)
			continue
		}

		if errors.Is(err, ErrInsufficientBalance) {
			defaulted, derr := s.markDefaulted(ctx, loanID)
			if derr != nil {
				log.Printf("[SWEEP] Failed to default loan %s: %v", loanID, derr)
				continue
			}
			if defaulted != nil {
				result.DefaultedCount++
				s.audit.LogLoanEvent(loanID, defaulted.BorrowerID, "LOAN_DEFAULTED", defaulted.TotalRepayment)
				s.notifier.Publish(ctx, notify.EventLoanDefaulted, defaulted.LenderID, defaulted)
				s.notifier.Publish(ctx, notify.EventLoanDefaulted, defaulted.BorrowerID, defaulted)
			}
			continue
		}

		if errors.Is(err, ErrAlreadyFinalized) {
			continue // claimed by an earlier pass
		}
		log.Printf("[SWEEP] Repay attempt for loan %s failed: %v", loanID, err)
	}

	log.Printf("[SWEEP] Completed: %d repaid, %d defaulted, %d total repaid",
		result.RepaidCount, result.DefaultedCount, result.TotalRepaid)
	return result, nil
}

// markDefaulted flips an active loan to defaulted. The status-conditional
// UPDATE keeps the transition idempotent: a loan already resolved elsewhere
// is left alone. The lender's principal stays with the borrower as a
// recorded loss; no recovery transfer is issued.
func (s *LoanService) markDefaulted(ctx context.Context, loanID string) (*models.Loan, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loans SET status = $1 WHERE id = $2 AND status = 'active'`,
		models.LoanDefaulted, loanID)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, nil
	}
	return s.Get(ctx, loanID)
}

// Get returns a loan by id, for status polling.
func (s *LoanService) Get(ctx context.Context, loanID string) (*models.Loan, error) {
	var loan models.Loan
	var borrowerID sql.NullString
	var acceptedAt, dueAt, repaidAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lender_id, borrower_id, principal_amount, interest_rate, interest_amount, processing_fee, total_repayment, term_days, status, escrow_wallet_id, created_at, accepted_at, due_at, repaid_at
		FROM loans
		WHERE id = $1`, loanID).
		Scan(&loan.ID, &loan.LenderID, &borrowerID, &loan.Principal, &loan.InterestRate,
			&loan.InterestAmount, &loan.ProcessingFee, &loan.TotalRepayment, &loan.TermDays,
			&loan.Status, &loan.EscrowWalletID, &loan.CreatedAt, &acceptedAt, &dueAt, &repaidAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: loan %s", ErrNotFound, loanID)
		}
		return nil, err
	}
	loan.BorrowerID = borrowerID.String
	if acceptedAt.Valid {
		loan.AcceptedAt = &acceptedAt.Time
	}
	if dueAt.Valid {
		loan.DueAt = &dueAt.Time
	}
	if repaidAt.Valid {
		loan.RepaidAt = &repaidAt.Time
	}
	return &loan, nil
}

func (s *LoanService) lockLoanTx(tx *sql.Tx, loanID string) (*models.Loan, error) {
	var loan models.Loan
	var borrowerID sql.NullString
	err := tx.QueryRow(`
		SELECT id, lender_id, borrower_id, principal_amount, total_repayment, term_days, status, escrow_wallet_id
		FROM loans
		WHERE id = $1
		FOR UPDATE`, loanID).
		Scan(&loan.ID, &loan.LenderID, &borrowerID, &loan.Principal,
			&loan.TotalRepayment, &loan.TermDays, &loan.Status, &loan.EscrowWalletID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: loan %s", ErrNotFound, loanID)
		}
		return nil, mapLockError(err)
	}
	loan.BorrowerID = borrowerID.String
	return &loan, nil
}

// createEscrowWalletTx creates the dedicated holding wallet for one loan's
// principal. Escrow wallets belong to the treasury user and are exempt from
// the one-wallet-per-type constraint.
func (s *LoanService) createEscrowWalletTx(tx *sql.Tx, loanID string) (string, error) {
	id := uuid.New().String()
	_, err := tx.Exec(`
		INSERT INTO wallets (id, user_id, wallet_type, balance, version, updated_at)
		VALUES ($1, $2, $3, 0, 1, $4)`,
		id, s.cfg.TreasuryUserID, models.WalletEscrow, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to create escrow wallet for loan %s: %w", loanID, err)
	}
	return id, nil
}

func (s *LoanService) acquireSweepLock(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, sweepLockKey, "1", s.cfg.SweepLockTTL).Result()
	if err != nil {
		// Redis being down should not stop the sweep; the in-process mutex
		// still guards this instance.
		return true
	}
	return ok
}

func (s *LoanService) releaseSweepLock(ctx context.Context) {
	if s.redis != nil {
		s.redis.Del(ctx, sweepLockKey)
	}
}

// RunSweeper runs SweepExpired on the configured interval until ctx ends.
func (s *LoanService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Printf("[SWEEP] Sweep failed: %v", err)
			}
		}
	}
}

// HTTP handlers

// HandleOffer posts a loan offer
// @Summary Offer a loan
// @Description Escrow principal and post a peer-to-peer loan offer
// @Tags loans
// @Accept json
// @Produce json
// @Param offer body OfferLoanInput true "Offer details"
// @Success 201 {object} models.Loan
// @Failure 422 {object} ErrorResponse
// @Router /loans [post]
func (s *LoanService) HandleOffer(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req OfferLoanInput
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

	loan, err := s.Offer(r.Context(), identity.UserID, req)
	if err != nil {
		log.Printf("[LOAN] Offer failed for %s: %v", identity.UserID, err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, loan)
}

// HandleAccept accepts a pending offer
// @Summary Accept a loan
// @Description Claim a pending loan offer as borrower
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} models.Loan
// @Failure 409 {object} ErrorResponse
// @Router /loans/{id}/accept [post]
func (s *LoanService) HandleAccept(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loan, err := s.Accept(r.Context(), chi.URLParam(r, "id"), identity.UserID)
	if err != nil {
		log.Printf("[LOAN] Accept failed for %s: %v", chi.URLParam(r, "id"), err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, loan)
}

// HandleRepay repays an active loan
// @Summary Repay a loan
// @Description Transfer the total repayment from borrower to lender
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} models.Loan
// @Failure 422 {object} ErrorResponse
// @Router /loans/{id}/repay [post]
func (s *LoanService) HandleRepay(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loanID := chi.URLParam(r, "id")
	loan, err := s.Get(r.Context(), loanID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	if loan.BorrowerID != identity.UserID {
		SendErrorResponse(w, "Only the borrower can repay", http.StatusForbidden, nil)
		return
	}

	repaid, err := s.Repay(r.Context(), loanID)
	if err != nil {
		log.Printf("[LOAN] Repay failed for %s: %v", loanID, err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, repaid)
}

// HandleCancel withdraws a pending offer
// @Summary Cancel a loan offer
// @Description Return escrowed principal and cancel an unaccepted offer
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} models.Loan
// @Failure 403 {object} ErrorResponse
// @Router /loans/{id}/cancel [post]
func (s *LoanService) HandleCancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loan, err := s.Cancel(r.Context(), chi.URLParam(r, "id"), identity.UserID)
	if err != nil {
		log.Printf("[LOAN] Cancel failed for %s: %v", chi.URLParam(r, "id"), err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, loan)
}

// HandleGet returns a loan by id
// @Summary Get loan status
// @Description Poll a loan's current status
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} models.Loan
// @Failure 404 {object} ErrorResponse
// @Router /loans/{id} [get]
func (s *LoanService) HandleGet(w http.ResponseWriter, r *http.Request) {
	loan, err := s.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, loan)
}

// HandleSweep triggers an expired-loan sweep
// @Summary Sweep expired loans
// @Description Resolve active loans past their due date (admin only)
// @Tags admin
// @Produce json
// @Success 200 {object} models.SweepResult
// @Router /admin/loans/sweep [post]
func (s *LoanService) HandleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.SweepExpired(r.Context())
	if err != nil {
		log.Printf("[SWEEP] Manual sweep failed: %v", err)
		SendErrorResponse(w, "Sweep failed", http.StatusInternalServerError, nil)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
