package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/memberclub/backend/internal/middleware"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestHashSecret(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		hash, err := hashSecret("correct horse battery")
		assert.NoError(t, err)
		assert.True(t, verifySecret("correct horse battery", hash))
		assert.False(t, verifySecret("wrong password", hash))
	})

	t.Run("unique salts", func(t *testing.T) {
		h1, err := hashSecret("same secret")
		assert.NoError(t, err)
		h2, err := hashSecret("same secret")
		assert.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("malformed hash", func(t *testing.T) {
		assert.False(t, verifySecret("anything", "not-a-valid-hash"))
		assert.False(t, verifySecret("anything", ""))
	})
}

func TestAuthService_Register(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	defer viper.Set("jwt.secret_key", "")

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil)

	t.Run("successful registration", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("ada@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO users").
			WithArgs(sqlmock.AnyArg(), "ada@example.com", sqlmock.AnyArg(), "Ada", "Okafor", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(RegisterRequest{
			Email:     "Ada@Example.com",
			Password:  "password123",
			FirstName: "Ada",
			LastName:  "Okafor",
		})
		req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Register(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)

		var resp AuthResponse
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "ada@example.com", resp.User.Email)
		assert.False(t, resp.User.IsAdmin)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("taken@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		body, _ := json.Marshal(RegisterRequest{
			Email:     "taken@example.com",
			Password:  "password123",
			FirstName: "Ada",
			LastName:  "Okafor",
		})
		req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Register(w, req)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("short password rejected", func(t *testing.T) {
		body, _ := json.Marshal(RegisterRequest{
			Email:     "ada@example.com",
			Password:  "short",
			FirstName: "Ada",
			LastName:  "Okafor",
		})
		req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Register(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/register",
			bytes.NewReader([]byte(`{"email":"a@b.com","password":"password123","first_name":"Ada","last_name":"Okafor","role":"admin"}`)))
		w := httptest.NewRecorder()

		service.Register(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_Login(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	defer viper.Set("jwt.secret_key", "")

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil)

	passwordHash, err := hashSecret("password123")
	assert.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, password_hash").
			WithArgs("ada@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "first_name", "last_name", "is_admin"}).
				AddRow("user1", "ada@example.com", passwordHash, "Ada", "Okafor", true))

		body, _ := json.Marshal(LoginRequest{Email: "ada@example.com", Password: "password123"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Login(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		var resp AuthResponse
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Token)
		assert.True(t, resp.User.IsAdmin)
	})

	t.Run("wrong password", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, password_hash").
			WithArgs("ada@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "first_name", "last_name", "is_admin"}).
				AddRow("user1", "ada@example.com", passwordHash, "Ada", "Okafor", false))

		body, _ := json.Marshal(LoginRequest{Email: "ada@example.com", Password: "nope12345"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Login(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, password_hash").
			WithArgs("ghost@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		body, _ := json.Marshal(LoginRequest{Email: "ghost@example.com", Password: "password123"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()

		service.Login(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthService_VerifyPin(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewAuthService(db, redisClient)

	pinHash, err := hashSecret("4821")
	assert.NoError(t, err)

	identityCtx := middleware.WithIdentity(httptest.NewRequest(http.MethodPost, "/", nil).Context(),
		middleware.Identity{UserID: "user1"})

	t.Run("correct pin arms the cash-out flag", func(t *testing.T) {
		mock.ExpectQuery("SELECT pin_hash FROM users").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(pinHash))
		redisMock.ExpectSet("pin_ok:user1", "1", pinVerifiedTTL).SetVal("OK")

		body, _ := json.Marshal(PinRequest{Pin: "4821"})
		req := httptest.NewRequest(http.MethodPost, "/auth/pin/verify", bytes.NewReader(body)).
			WithContext(identityCtx)
		w := httptest.NewRecorder()

		service.VerifyPin(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("wrong pin", func(t *testing.T) {
		mock.ExpectQuery("SELECT pin_hash FROM users").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(pinHash))

		body, _ := json.Marshal(PinRequest{Pin: "0000"})
		req := httptest.NewRequest(http.MethodPost, "/auth/pin/verify", bytes.NewReader(body)).
			WithContext(identityCtx)
		w := httptest.NewRecorder()

		service.VerifyPin(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("pin never set", func(t *testing.T) {
		mock.ExpectQuery("SELECT pin_hash FROM users").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(nil))

		body, _ := json.Marshal(PinRequest{Pin: "4821"})
		req := httptest.NewRequest(http.MethodPost, "/auth/pin/verify", bytes.NewReader(body)).
			WithContext(identityCtx)
		w := httptest.NewRecorder()

		service.VerifyPin(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("non-numeric pin rejected", func(t *testing.T) {
		body, _ := json.Marshal(PinRequest{Pin: "abcd"})
		req := httptest.NewRequest(http.MethodPost, "/auth/pin/verify", bytes.NewReader(body)).
			WithContext(identityCtx)
		w := httptest.NewRecorder()

		service.VerifyPin(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
