package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/memberclub/backend/internal/config"
	"github.com/memberclub/backend/internal/models"
	"github.com/memberclub/backend/internal/notify"
	"github.com/stretchr/testify/assert"
)

const lockRequestQuery = "SELECT id, user_id, direction, amount, fee_amount, net_amount, pin_verified, status FROM cash_requests WHERE id = \\$1 FOR UPDATE"

func requestRows(id, userID string, direction models.RequestDirection, amount, fee int64, pinVerified bool, status models.RequestStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "direction", "amount", "fee_amount", "net_amount", "pin_verified", "status"}).
		AddRow(id, userID, direction, amount, fee, amount-fee, pinVerified, status)
}

func expectEnsureWallet(mock sqlmock.Sqlmock, userID string, walletType models.WalletType, walletID string) {
	mock.ExpectExec("INSERT INTO wallets").
		WithArgs(sqlmock.AnyArg(), userID, walletType, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM wallets WHERE user_id = \\$1 AND wallet_type = \\$2").
		WithArgs(userID, walletType).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(walletID))
}

func expectSettlement(mock sqlmock.Sqlmock, fromID, toID, fromUser, toUser string, fromBalance, toBalance, amount int64, txType string) {
	firstID, secondID := fromID, toID
	firstUser, secondUser := fromUser, toUser
	firstBalance, secondBalance := fromBalance, toBalance
	if fromID > toID {
		firstID, secondID = toID, fromID
		firstUser, secondUser = toUser, fromUser
		firstBalance, secondBalance = toBalance, fromBalance
	}

	mock.ExpectQuery("FOR UPDATE").
		WithArgs(firstID).
		WillReturnRows(walletRows(firstID, firstUser, models.WalletMain, firstBalance, 1))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(secondID).
		WillReturnRows(walletRows(secondID, secondUser, models.WalletMain, secondBalance, 1))

	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(sqlmock.AnyArg(), fromID, fromUser, -amount, txType, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WithArgs(sqlmock.AnyArg(), toID, toUser, amount, txType, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec("UPDATE wallets").
		WithArgs(fromBalance-amount, sqlmock.AnyArg(), fromID, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(toBalance+amount, sqlmock.AnyArg(), toID, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCashRequestService_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := config.LoadLedgerConfig()
	notifier := notify.NewNotifier(nil)
	wallets := NewWalletService(db, nil, notifier, cfg)
	service := NewCashRequestService(db, nil, wallets, notifier, cfg)

	t.Run("cash-in request has no fee", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO cash_requests").
			WithArgs(sqlmock.AnyArg(), "user1", models.CashIn, int64(1000), int64(0), int64(1000),
				"bank_transfer", "", false, models.RequestPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		req, err := service.Create(context.Background(), "user1", CreateRequestInput{
			Direction:     "cash_in",
			Amount:        1000,
			PaymentMethod: "bank_transfer",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.RequestPending, req.Status)
		assert.Equal(t, int64(0), req.FeeAmount)
		assert.Equal(t, int64(1000), req.NetAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cash-out fee computed once at creation", func(t *testing.T) {
		// 1% of 2000 plus the fixed 10 = 30
		mock.ExpectExec("INSERT INTO cash_requests").
			WithArgs(sqlmock.AnyArg(), "user1", models.CashOut, int64(2000), int64(30), int64(1970),
				"bank_transfer", "", false, models.RequestPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		req, err := service.Create(context.Background(), "user1", CreateRequestInput{
			Direction:     "cash_out",
			Amount:        2000,
			PaymentMethod: "bank_transfer",
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(30), req.FeeAmount)
		assert.Equal(t, int64(1970), req.NetAmount)
	})

	t.Run("rejects amount swallowed by fee", func(t *testing.T) {
		_, err := service.Create(context.Background(), "user1", CreateRequestInput{
			Direction:     "cash_out",
			Amount:        5, // fee would be 10
			PaymentMethod: "bank_transfer",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("rejects bad direction", func(t *testing.T) {
		_, err := service.Create(context.Background(), "user1", CreateRequestInput{
			Direction:     "sideways",
			Amount:        100,
			PaymentMethod: "bank_transfer",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCashRequestService_Create_WithRedis(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	cfg := config.LoadLedgerConfig()
	notifier := notify.NewNotifier(nil)
	wallets := NewWalletService(db, redisClient, notifier, cfg)
	service := NewCashRequestService(db, redisClient, wallets, notifier, cfg)

	t.Run("stamps pin verification at creation", func(t *testing.T) {
		redisMock.ExpectGet("reqlimit:user1").RedisNil()
		redisMock.ExpectGet("pin_ok:user1").SetVal("1")

		mock.ExpectExec("INSERT INTO cash_requests").
			WithArgs(sqlmock.AnyArg(), "user1", models.CashOut, int64(2000), int64(30), int64(1970),
				"bank_transfer", "", true, models.RequestPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		redisMock.ExpectIncr("reqlimit:user1").SetVal(1)
		redisMock.ExpectExpire("reqlimit:user1", cfg.RateLimitWindow).SetVal(true)

		_, err := service.Create(context.Background(), "user1", CreateRequestInput{
			Direction:     "cash_out",
			Amount:        2000,
			PaymentMethod: "bank_transfer",
		})
		assert.NoError(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("rate limit reached", func(t *testing.T) {
		redisMock.ExpectGet("reqlimit:user2").SetVal("5")

		_, err := service.Create(context.Background(), "user2", CreateRequestInput{
			Direction:     "cash_in",
			Amount:        100,
			PaymentMethod: "bank_transfer",
		})
		assert.ErrorIs(t, err, ErrTooFast)
	})
}

func TestCashRequestService_Decide(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := config.LoadLedgerConfig()
	notifier := notify.NewNotifier(nil)
	wallets := NewWalletService(db, nil, notifier, cfg)
	service := NewCashRequestService(db, nil, wallets, notifier, cfg)

	t.Run("approve cash-in settles treasury to member", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req1").
			WillReturnRows(requestRows("req1", "user1", models.CashIn, 1000, 0, false, models.RequestPending))

		expectEnsureWallet(mock, cfg.TreasuryUserID, models.WalletMain, "wallet-t")
		expectEnsureWallet(mock, "user1", models.WalletMain, "wallet-u")
		expectSettlement(mock, "wallet-t", "wallet-u", cfg.TreasuryUserID, "user1", 1_000_000, 0, 1000, models.TxTypeCashIn)

		mock.ExpectExec("UPDATE cash_requests").
			WithArgs(models.RequestApproved, "admin1", sqlmock.AnyArg(), "req1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Decide(context.Background(), "req1", "admin1", models.DecisionApprove, "")
		assert.NoError(t, err)
		assert.Equal(t, models.RequestApproved, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("approve cash-out debits the member", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req2").
			WillReturnRows(requestRows("req2", "user1", models.CashOut, 2000, 30, true, models.RequestPending))

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		expectEnsureWallet(mock, cfg.TreasuryUserID, models.WalletMain, "wallet-t")
		expectEnsureWallet(mock, "user1", models.WalletMain, "wallet-u")
		expectSettlement(mock, "wallet-u", "wallet-t", "user1", cfg.TreasuryUserID, 5000, 1_000_000, 2000, models.TxTypeCashOut)

		mock.ExpectExec("UPDATE cash_requests").
			WithArgs(models.RequestApproved, "admin1", sqlmock.AnyArg(), "req2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Decide(context.Background(), "req2", "admin1", models.DecisionApprove, "")
		assert.NoError(t, err)
		assert.Equal(t, models.RequestApproved, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cash-out without verified pin", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req3").
			WillReturnRows(requestRows("req3", "user1", models.CashOut, 2000, 30, false, models.RequestPending))
		mock.ExpectRollback()

		_, err := service.Decide(context.Background(), "req3", "admin1", models.DecisionApprove, "")
		assert.ErrorIs(t, err, ErrPinNotVerified)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cash-out blocked by active loan", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req4").
			WillReturnRows(requestRows("req4", "user1", models.CashOut, 2000, 30, true, models.RequestPending))

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := service.Decide(context.Background(), "req4", "admin1", models.DecisionApprove, "")
		assert.ErrorIs(t, err, ErrActiveLoan)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-deciding a terminal request", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req5").
			WillReturnRows(requestRows("req5", "user1", models.CashIn, 1000, 0, false, models.RequestApproved))
		mock.ExpectRollback()

		_, err := service.Decide(context.Background(), "req5", "admin1", models.DecisionApprove, "")
		assert.ErrorIs(t, err, ErrAlreadyFinalized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reject records the reason", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req6").
			WillReturnRows(requestRows("req6", "user1", models.CashOut, 2000, 30, true, models.RequestPending))

		mock.ExpectExec("UPDATE cash_requests").
			WithArgs(models.RequestRejected, "proof unreadable", "admin1", sqlmock.AnyArg(), "req6").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Decide(context.Background(), "req6", "admin1", models.DecisionReject, "proof unreadable")
		assert.NoError(t, err)
		assert.Equal(t, models.RequestRejected, req.Status)
		assert.Equal(t, "proof unreadable", req.RejectionReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hold only applies to pending requests", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = 3000").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockRequestQuery).
			WithArgs("req7").
			WillReturnRows(requestRows("req7", "user1", models.CashIn, 1000, 0, false, models.RequestFlagged))
		mock.ExpectRollback()

		_, err := service.Decide(context.Background(), "req7", "admin1", models.DecisionHold, "")
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown decision", func(t *testing.T) {
		_, err := service.Decide(context.Background(), "req8", "admin1", models.RequestDecision("escalate"), "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCashRequestService_AdminStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := config.LoadLedgerConfig()
	notifier := notify.NewNotifier(nil)
	wallets := NewWalletService(db, nil, notifier, cfg)
	service := NewCashRequestService(db, nil, wallets, notifier, cfg)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "sum"}).
			AddRow("pending", 3, 4500).
			AddRow("approved", 10, 80000))

	stats, err := service.AdminStats(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), stats["requests_pending"])
	assert.Equal(t, int64(80000), stats["requests_approved_amount"])
}

func TestCashRequestService_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := config.LoadLedgerConfig()
	notifier := notify.NewNotifier(nil)
	wallets := NewWalletService(db, nil, notifier, cfg)
	service := NewCashRequestService(db, nil, wallets, notifier, cfg)

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, user_id, direction, amount").
			WithArgs("req1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "direction", "amount", "fee_amount", "net_amount",
				"payment_method", "proof_ref", "pin_verified", "status",
				"rejection_reason", "reviewed_by", "reviewed_at", "created_at",
			}).AddRow("req1", "user1", "cash_in", 1000, 0, 1000,
				"bank_transfer", "", false, "pending", nil, nil, nil, now))

		req, err := service.Get(context.Background(), "req1")
		assert.NoError(t, err)
		assert.Equal(t, models.RequestPending, req.Status)
		assert.Nil(t, req.ReviewedAt)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, direction, amount").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
