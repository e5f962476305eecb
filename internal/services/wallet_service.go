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
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/memberclub/backend/internal/audit"
	"github.com/memberclub/backend/internal/config"
	"github.com/memberclub/backend/internal/middleware"
	"github.com/memberclub/backend/internal/models"
	"github.com/memberclub/backend/internal/notify"
)

const balanceCacheTTL = 15 * time.Second

// WalletService is the wallet store and transfer coordinator. It is the only
// component that writes wallet balances; the request and loan engines call
// through it rather than mutating balances themselves.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.Logger
	validator *ValidationHelper
	notifier  *notify.Notifier
	cfg       *config.LedgerConfig
}

func NewWalletService(db *sql.DB, redisClient *redis.Client, notifier *notify.Notifier, cfg *config.LedgerConfig) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		notifier:  notifier,
		cfg:       cfg,
	}
}

// TransferInput is the DTO for an internal move between a member's wallets.
type TransferInput struct {
	FromType string `json:"from_type" validate:"required,oneof=main task royalty"`
	ToType   string `json:"to_type" validate:"required,oneof=main task royalty,nefield=FromType"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

// Transfer moves amount between two of userID's wallets, all-or-nothing.
func (s *WalletService) Transfer(ctx context.Context, userID string, fromType, toType models.WalletType, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	}
	if fromType == toType {
		return fmt.Errorf("%w: source and destination wallets must differ", ErrInvalidInput)
	}
	if !fromType.Valid() || !toType.Valid() {
		return fmt.Errorf("%w: unknown wallet type", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.setLockTimeoutTx(tx); err != nil {
		return err
	}

	fromID, err := s.ensureWalletTx(tx, userID, fromType)
	if err != nil {
		return err
	}
	toID, err := s.ensureWalletTx(tx, userID, toType)
	if err != nil {
		return err
	}

	refID := uuid.New().String()
	if err := s.TransferTx(tx, fromID, toID, amount, models.TxTypeTransfer,
		fmt.Sprintf("move %s to %s", fromType, toType), refID); err != nil {
		s.audit.LogError(refID, userID, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	s.audit.LogTransfer(refID, fromID, toID, amount, "SUCCESS")
	s.invalidateBalances(ctx, userID)
	s.notifier.Publish(ctx, notify.EventBalanceChanged, userID, nil)
	return nil
}

// TransferTx applies one locked debit/credit pair inside the caller's SQL
// transaction. Wallets are locked in id order so concurrent transfers that
// touch the same pair cannot deadlock, and both ledger rows plus both balance
// updates land in the same transaction: commit or full rollback, nothing in
// between.
func (s *WalletService) TransferTx(tx *sql.Tx, fromWalletID, toWalletID string, amount int64, txType, description, refID string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	}
	if fromWalletID == toWalletID {
		return fmt.Errorf("%w: source and destination wallets must differ", ErrInvalidInput)
	}

	firstLock, secondLock := fromWalletID, toWalletID
	if fromWalletID > toWalletID {
		firstLock, secondLock = toWalletID, fromWalletID
	}

	first, err := s.lockWalletTx(tx, firstLock)
	if err != nil {
		return err
	}
	second, err := s.lockWalletTx(tx, secondLock)
	if err != nil {
		return err
	}

	from, to := first, second
	if firstLock != fromWalletID {
		from, to = second, first
	}

	if from.Balance < amount {
		return ErrInsufficientBalance
	}

	now := time.Now()
	if err := s.insertLedgerTx(tx, from, -amount, txType, description, refID, now); err != nil {
		return err
	}
	if err := s.insertLedgerTx(tx, to, amount, txType, description, refID, now); err != nil {
		return err
	}

	if err := s.updateBalanceTx(tx, from.ID, from.Balance-amount, from.Version, now); err != nil {
		return err
	}
	if err := s.updateBalanceTx(tx, to.ID, to.Balance+amount, to.Version, now); err != nil {
		return err
	}

	return nil
}

// GetBalances returns the member's snapshot, reading through the Redis cache
// when one is configured. Absent wallets report zero without being created.
func (s *WalletService) GetBalances(ctx context.Context, userID string) (models.Balances, error) {
	if s.redis != nil {
		if data, err := s.redis.Get(ctx, balancesKey(userID)).Bytes(); err == nil {
			var cached models.Balances
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT wallet_type, balance FROM wallets WHERE user_id = $1`, userID)
	if err != nil {
		return models.Balances{}, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances models.Balances
	for rows.Next() {
		var walletType models.WalletType
		var balance int64
		if err := rows.Scan(&walletType, &balance); err != nil {
			return models.Balances{}, err
		}
		switch walletType {
		case models.WalletMain:
			balances.Main = balance
		case models.WalletTask:
			balances.Task = balance
		case models.WalletRoyalty:
			balances.Royalty = balance
		}
	}
	if err := rows.Err(); err != nil {
		return models.Balances{}, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(balances); err == nil {
			s.redis.Set(ctx, balancesKey(userID), data, balanceCacheTTL)
		}
	}
	return balances, nil
}

// Snapshot adapts GetBalances to the poller's map shape.
func (s *WalletService) Snapshot(ctx context.Context, userID string) (map[string]int64, error) {
	balances, err := s.GetBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		string(models.WalletMain):    balances.Main,
		string(models.WalletTask):    balances.Task,
		string(models.WalletRoyalty): balances.Royalty,
	}, nil
}

// RecentTransactions returns the newest ledger rows for a user. The ledger is
// append-only; rows come back in commit order, newest first.
func (s *WalletService) RecentTransactions(ctx context.Context, userID string, limit int) ([]models.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, user_id, amount, transaction_type, description, reference_id, created_at
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.LedgerTransaction{}
	for rows.Next() {
		var lt models.LedgerTransaction
		if err := rows.Scan(&lt.ID, &lt.WalletID, &lt.UserID, &lt.Amount,
			&lt.TransactionType, &lt.Description, &lt.ReferenceID, &lt.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, lt)
	}
	return transactions, rows.Err()
}

// Internal helpers shared with the request and loan engines.

// ensureWalletTx lazily creates the (user, type) wallet at balance 0 and
// returns its id. No lock is taken here; locking happens in TransferTx in
// deterministic order.
func (s *WalletService) ensureWalletTx(tx *sql.Tx, userID string, walletType models.WalletType) (string, error) {
	_, err := tx.Exec(`
		INSERT INTO wallets (id, user_id, wallet_type, balance, version, updated_at)
		VALUES ($1, $2, $3, 0, 1, $4)
		ON CONFLICT (user_id, wallet_type) WHERE wallet_type <> 'escrow' DO NOTHING`,
		uuid.New().String(), userID, walletType, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var id string
	err = tx.QueryRow(`SELECT id FROM wallets WHERE user_id = $1 AND wallet_type = $2`,
		userID, walletType).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return "", err
	}
	return id, nil
}

func (s *WalletService) lockWalletTx(tx *sql.Tx, walletID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
		SELECT id, user_id, wallet_type, balance, version, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).
		Scan(&w.ID, &w.UserID, &w.WalletType, &w.Balance, &w.Version, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, walletID)
		}
		return nil, mapLockError(err)
	}
	return &w, nil
}

func (s *WalletService) insertLedgerTx(tx *sql.Tx, wallet *models.Wallet, amount int64, txType, description, refID string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_transactions (id, wallet_id, user_id, amount, transaction_type, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), wallet.ID, wallet.UserID, amount, txType, description, refID, at)
	if err != nil {
		return fmt.Errorf("ledger insert failed: %w", err)
	}
	return nil
}

func (s *WalletService) updateBalanceTx(tx *sql.Tx, walletID string, newBalance int64, version int, at time.Time) error {
	result, err := tx.Exec(`
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, at, walletID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: wallet %s changed underneath us", ErrConflict, walletID)
	}
	return nil
}

func (s *WalletService) setLockTimeoutTx(tx *sql.Tx) error {
	_, err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = %d", s.cfg.LockTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}
	return nil
}

func (s *WalletService) invalidateBalances(ctx context.Context, userIDs ...string) {
	if s.redis == nil {
		return
	}
	for _, userID := range userIDs {
		s.redis.Del(ctx, balancesKey(userID))
	}
}

func balancesKey(userID string) string {
	return fmt.Sprintf("balances:%s", userID)
}

// mapLockError turns a lock-wait timeout into the retryable Conflict error.
func mapLockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
		return fmt.Errorf("%w: lock wait timed out", ErrConflict)
	}
	return err
}

// HTTP handlers

// HandleGetBalances returns the caller's wallet snapshot
// @Summary Get wallet balances
// @Description Retrieve the authenticated member's main/task/royalty balances
// @Tags wallets
// @Produce json
// @Success 200 {object} models.Balances
// @Failure 401 {object} map[string]string
// @Router /wallets/balances [get]
func (s *WalletService) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balances, err := s.GetBalances(r.Context(), identity.UserID)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch balances for %s: %v", identity.UserID, err)
		SendErrorResponse(w, "Failed to fetch balances", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, balances)
}

// HandleTransfer moves credit between the caller's wallets
// @Summary Transfer between own wallets
// @Description Move whole credit units between two of the caller's wallets
// @Tags wallets
// @Accept json
// @Produce json
// @Param transfer body TransferInput true "Transfer details"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /wallets/transfer [post]
func (s *WalletService) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req TransferInput
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

	err := s.Transfer(r.Context(), identity.UserID,
		models.WalletType(req.FromType), models.WalletType(req.ToType), req.Amount)
	if err != nil {
		log.Printf("[WALLET] Transfer failed for %s: %v", identity.UserID, err)
		SendLedgerError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleListTransactions returns the caller's recent ledger rows
// @Summary List recent ledger transactions
// @Description Newest-first ledger history for the authenticated member
// @Tags wallets
// @Produce json
// @Param limit query int false "Number of rows (default 20, max 100)"
// @Success 200 {array} models.LedgerTransaction
// @Router /transactions [get]
func (s *WalletService) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := s.RecentTransactions(r.Context(), identity.UserID, limit)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch transactions for %s: %v", identity.UserID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, transactions)
}
