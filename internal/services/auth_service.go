package services

import (
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/memberclub/backend/internal/middleware"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

const pinVerifiedTTL = 10 * time.Minute

// AuthService issues member tokens and manages the withdrawal PIN. The
// ledger core only ever sees the resulting {user_id, is_admin} identity.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *validator.Validate
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email" example:"member@example.com"`
	Password  string `json:"password" validate:"required,min=8" example:"password123"`
	FirstName string `json:"first_name" validate:"required,min=2" example:"Ada"`
	LastName  string `json:"last_name" validate:"required,min=2" example:"Okafor"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"member@example.com"`
	Password string `json:"password" validate:"required" example:"password123"`
}

// PinRequest carries a withdrawal PIN to set or verify.
type PinRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric" example:"4821"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token string `json:"token"`
	User  Member `json:"user"`
}

// Member is the public view of an account.
type Member struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsAdmin   bool   `json:"is_admin"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: validator.New(),
	}
}

// Register handles member registration
// @Summary Register a new member
// @Description Register with email, password, and name
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err != nil {
		log.Printf("[AUTH] Registration lookup failed: %v", err)
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		SendErrorResponse(w, "Email already registered", http.StatusConflict, nil)
		return
	}

	passwordHash, err := hashSecret(req.Password)
	if err != nil {
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}

	member := Member{
		ID:        uuid.New().String(),
		Email:     email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}

	_, err = s.db.Exec(`
		INSERT INTO users (id, email, password_hash, first_name, last_name, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`,
		member.ID, member.Email, passwordHash, member.FirstName, member.LastName, time.Now())
	if err != nil {
		log.Printf("[AUTH] Registration insert failed: %v", err)
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}

	token, err := s.generateToken(member.ID, false)
	if err != nil {
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registered member %s", member.ID)
	WriteJSON(w, http.StatusCreated, AuthResponse{Token: token, User: member})
}

// Login handles member login
// @Summary Log in
// @Description Exchange credentials for a JWT
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var member Member
	var passwordHash string
	err := s.db.QueryRow(`
		SELECT id, email, password_hash, first_name, last_name, is_admin
		FROM users
		WHERE email = $1`, email).
		Scan(&member.ID, &member.Email, &passwordHash, &member.FirstName, &member.LastName, &member.IsAdmin)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[AUTH] Login lookup failed: %v", err)
		}
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifySecret(req.Password, passwordHash) {
		log.Printf("[AUTH] Failed login attempt for %s", email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := s.generateToken(member.ID, member.IsAdmin)
	if err != nil {
		SendErrorResponse(w, "Login failed", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: member})
}

// SetPin stores the caller's withdrawal PIN
// @Summary Set withdrawal PIN
// @Description Set the 4-digit PIN required before cash-out approval
// @Tags auth
// @Accept json
// @Produce json
// @Param request body PinRequest true "PIN"
// @Success 200 {object} map[string]bool
// @Router /auth/pin [post]
func (s *AuthService) SetPin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	pinHash, err := hashSecret(req.Pin)
	if err != nil {
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE users SET pin_hash = $1 WHERE id = $2`, pinHash, identity.UserID); err != nil {
		log.Printf("[AUTH] PIN update failed for %s: %v", identity.UserID, err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VerifyPin checks the caller's PIN and arms the cash-out precondition
// @Summary Verify withdrawal PIN
// @Description Verify the PIN; success arms cash-out creation for a short window
// @Tags auth
// @Accept json
// @Produce json
// @Param request body PinRequest true "PIN"
// @Success 200 {object} map[string]bool
// @Failure 403 {object} ErrorResponse
// @Router /auth/pin/verify [post]
func (s *AuthService) VerifyPin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var pinHash sql.NullString
	if err := s.db.QueryRow(`SELECT pin_hash FROM users WHERE id = $1`, identity.UserID).Scan(&pinHash); err != nil {
		SendErrorResponse(w, "Verification failed", http.StatusInternalServerError, nil)
		return
	}
	if !pinHash.Valid || !verifySecret(req.Pin, pinHash.String) {
		log.Printf("[AUTH] PIN verification failed for %s", identity.UserID)
		SendErrorResponse(w, "Incorrect PIN", http.StatusForbidden, nil)
		return
	}

	if s.redis != nil {
		s.redis.Set(r.Context(), pinVerifiedKey(identity.UserID), "1", pinVerifiedTTL)
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *AuthService) generateToken(userID string, isAdmin bool) (string, error) {
	viper.SetDefault("jwt.expiry_hours", 24)
	expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour

	claims := jwt.MapClaims{
		"user_id":  userID,
		"is_admin": isAdmin,
		"exp":      time.Now().Add(expiry).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

// hashSecret derives an argon2id hash, returning "salt$hash" in base64.
func hashSecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

func verifySecret(secret, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(expected, actual) == 1
}
