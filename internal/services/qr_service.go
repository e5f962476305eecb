package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/memberclub/backend/internal/middleware"
	"github.com/memberclub/backend/internal/models"
	"github.com/skip2/go-qrcode"
)

// QRService issues deposit-reference QR codes for cash-in requests so the
// member can complete the external payment with a scan.
type QRService struct {
	requests *CashRequestService
	redis    *redis.Client
}

func NewQRService(requests *CashRequestService, redisClient *redis.Client) *QRService {
	return &QRService{
		requests: requests,
		redis:    redisClient,
	}
}

// GenerateDepositQR encodes the request's payment reference as a QR image
// and caches the reference payload for the rail-side scanner.
func (s *QRService) GenerateDepositQR(ctx context.Context, requestID, userID string, amount int64) (string, string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := map[string]any{
		"requestId": requestID,
		"userId":    userID,
		"amount":    amount,
		"timestamp": time.Now().Unix(),
		"nonce":     nonce,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	reference := base64.URLEncoding.EncodeToString(jsonData)

	if s.redis != nil {
		key := fmt.Sprintf("deposit_qr:%s", reference)
		if err := s.redis.Set(ctx, key, jsonData, 15*time.Minute).Err(); err != nil {
			return "", "", err
		}
	}

	qr, err := qrcode.New(reference, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return reference, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ResolveDepositQR looks up and consumes a scanned reference.
func (s *QRService) ResolveDepositQR(ctx context.Context, reference string) (map[string]any, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("%w: QR lookup unavailable", ErrNotFound)
	}

	key := fmt.Sprintf("deposit_qr:%s", reference)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: invalid or expired QR reference", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)
	return result, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HandleDepositQR returns a QR image for a pending cash-in request
// @Summary Deposit reference QR
// @Description PNG QR (base64) carrying the cash-in payment reference
// @Tags requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /requests/{id}/qr [get]
func (s *QRService) HandleDepositQR(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	req, err := s.requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	if req.UserID != identity.UserID {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}
	if req.Direction != models.CashIn || req.Status.Terminal() {
		SendErrorResponse(w, "QR only available for open cash-in requests", http.StatusBadRequest, nil)
		return
	}

	reference, image, err := s.GenerateDepositQR(r.Context(), req.ID, req.UserID, req.Amount)
	if err != nil {
		log.Printf("[QR] Failed to generate deposit QR for %s: %v", req.ID, err)
		SendErrorResponse(w, "Failed to generate QR", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"reference": reference,
		"image":     image,
	})
}
