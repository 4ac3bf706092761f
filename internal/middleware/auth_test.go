package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callgrid-backend/pkg/jwt"
)

func authTestRouter(manager *jwt.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", AuthMiddleware(manager), func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"userId": userID.(uuid.UUID).String()})
	})
	return router
}

func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-of-sufficient-length", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateToken(userID, "alice")
	assert.NoError(t, err)

	router := authTestRouter(manager)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userID.String())
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-of-sufficient-length", time.Minute)
	token, err := manager.GenerateToken(uuid.New(), "alice")
	assert.NoError(t, err)

	router := authTestRouter(manager)
	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-of-sufficient-length", time.Minute)

	router := authTestRouter(manager)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-of-sufficient-length", time.Minute)

	router := authTestRouter(manager)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_WrongSigningKey(t *testing.T) {
	issuer := jwt.NewJWTManager("issuer-secret-key-of-sufficient-len", time.Minute)
	validator := jwt.NewJWTManager("another-secret-key-of-sufficient-le", time.Minute)
	token, err := issuer.GenerateToken(uuid.New(), "alice")
	assert.NoError(t, err)

	router := authTestRouter(validator)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
