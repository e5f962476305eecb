package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/memberclub/backend/internal/models"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

const settlementCurrency = "NGN"

// SettlementService exports approved cash-out requests to the external
// payment rail as ISO 20022 pacs.008 credit transfers. The ledger has already
// debited the member when a request reaches this point; the exporter only
// reports the externally-paid net amount.
type SettlementService struct {
	redis *redis.Client
}

func NewSettlementService(redisClient *redis.Client) *SettlementService {
	return &SettlementService{redis: redisClient}
}

// DrainQueue pops queued cash-out requests and sends each to the rail.
// Individual failures are logged and skipped; the ledger stays untouched.
func (s *SettlementService) DrainQueue(ctx context.Context) (int, error) {
	if s.redis == nil {
		return 0, nil
	}

	sent := 0
	for {
		data, err := s.redis.LPop(ctx, settlementQueueKey).Bytes()
		if err == redis.Nil {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("settlement queue pop failed: %w", err)
		}

		var req models.CashRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[SETTLEMENT] Dropping malformed queue entry: %v", err)
			continue
		}

		doc, err := s.BuildPacs008(&req)
		if err != nil {
			log.Printf("[SETTLEMENT] Failed to build pacs.008 for %s: %v", req.ID, err)
			continue
		}
		if err := s.SendToRail(doc); err != nil {
			log.Printf("[SETTLEMENT] Failed to send %s to rail: %v", req.ID, err)
			continue
		}
		sent++
	}
}

// RunDrainer drains the queue on an interval until ctx ends.
func (s *SettlementService) RunDrainer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sent, err := s.DrainQueue(ctx); err != nil {
				log.Printf("[SETTLEMENT] Drain failed: %v", err)
			} else if sent > 0 {
				log.Printf("[SETTLEMENT] Sent %d payout(s) to rail", sent)
			}
		}
	}
}

// BuildPacs008 creates a pacs.008 FIToFICustomerCreditTransfer for the
// request's net amount (amount minus fee, the externally-paid figure).
func (s *SettlementService) BuildPacs008(req *models.CashRequest) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if req.Direction != models.CashOut {
		return nil, fmt.Errorf("%w: only cash-out requests settle externally", ErrInvalidInput)
	}

	msgID := uuid.New().String()
	now := time.Now()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(settlementCurrency),
				Value: float64(req.NetAmount),
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(req.ID)}[0],
					EndToEndId: common.Max35Text(req.ID),
					TxId:       &[]common.Max35Text{common.Max35Text(req.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(settlementCurrency),
					Value: float64(req.NetAmount),
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("MEMBCLUB")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("Member Club Treasury")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(req.PaymentMethod),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(req.UserID)}[0],
				},
			},
		},
	}

	return doc, nil
}

// SendToRail marshals the document and hands it to the external settlement
// system.
func (s *SettlementService) SendToRail(doc any) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: replace the log line with the rail's submission endpoint once
	// credentials are provisioned.
	log.Printf("[SETTLEMENT] Outbound pacs.008 (%d bytes)", len(xmlData))
	return nil
}

// ToXML renders an ISO 20022 document as an XML string.
func (s *SettlementService) ToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
