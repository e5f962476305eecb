package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/memberclub/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestSettlementService_BuildPacs008(t *testing.T) {
	service := NewSettlementService(nil)

	t.Run("net amount goes on the wire", func(t *testing.T) {
		req := &models.CashRequest{
			ID:            "req1",
			UserID:        "user1",
			Direction:     models.CashOut,
			Amount:        2000,
			FeeAmount:     30,
			NetAmount:     1970,
			PaymentMethod: "044",
			Status:        models.RequestApproved,
		}

		doc, err := service.BuildPacs008(req)
		assert.NoError(t, err)
		assert.Equal(t, float64(1970), doc.GrpHdr.TtlIntrBkSttlmAmt.Value)
		assert.Len(t, doc.CdtTrfTxInf, 1)
		assert.Equal(t, float64(1970), doc.CdtTrfTxInf[0].IntrBkSttlmAmt.Value)
		assert.Equal(t, "req1", string(doc.CdtTrfTxInf[0].PmtId.EndToEndId))
		assert.Equal(t, "044", string(doc.CdtTrfTxInf[0].CdtrAgt.FinInstnId.ClrSysMmbId.MmbId))
	})

	t.Run("cash-in never settles externally", func(t *testing.T) {
		req := &models.CashRequest{
			ID:        "req2",
			Direction: models.CashIn,
			Amount:    1000,
			NetAmount: 1000,
		}

		_, err := service.BuildPacs008(req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("renders as XML", func(t *testing.T) {
		req := &models.CashRequest{
			ID:            "req3",
			UserID:        "user1",
			Direction:     models.CashOut,
			Amount:        500,
			FeeAmount:     15,
			NetAmount:     485,
			PaymentMethod: "058",
		}

		doc, err := service.BuildPacs008(req)
		assert.NoError(t, err)

		out, err := service.ToXML(doc)
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "<?xml"))
		assert.Contains(t, out, "req3")
	})
}

func TestSettlementService_DrainQueue(t *testing.T) {
	t.Run("drains until the queue is empty", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewSettlementService(redisClient)

		entry, _ := json.Marshal(models.CashRequest{
			ID:            "req1",
			UserID:        "user1",
			Direction:     models.CashOut,
			Amount:        2000,
			FeeAmount:     30,
			NetAmount:     1970,
			PaymentMethod: "044",
			Status:        models.RequestApproved,
		})

		redisMock.ExpectLPop(settlementQueueKey).SetVal(string(entry))
		redisMock.ExpectLPop(settlementQueueKey).RedisNil()

		sent, err := service.DrainQueue(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, sent)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("malformed entries are dropped, not retried", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewSettlementService(redisClient)

		redisMock.ExpectLPop(settlementQueueKey).SetVal("{not json")
		redisMock.ExpectLPop(settlementQueueKey).RedisNil()

		sent, err := service.DrainQueue(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, sent)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("no redis means nothing to drain", func(t *testing.T) {
		service := NewSettlementService(nil)
		sent, err := service.DrainQueue(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, sent)
	})
}
