package apiresponses

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moreonion/mogin/pkg/system"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	return apiErr
}

func TestRespondUnauthorized(t *testing.T) {
	t.Run("default message", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondUnauthorized(c, "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		apiErr := decodeError(t, w)
		assert.Equal(t, "user not authenticated", apiErr.Error)
		assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	})

	t.Run("custom message", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondUnauthorized(c, "token expired")

		apiErr := decodeError(t, w)
		assert.Equal(t, "token expired", apiErr.Error)
	})
}

func TestRespondForbidden(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondForbidden(c, "")

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access denied", decodeError(t, w).Error)
}

func TestRespondBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondBadRequest(c, "missing field")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing field", decodeError(t, w).Error)
}

func TestRespondTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondTooManyRequests(c)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "TOO_MANY_REQUESTS", decodeError(t, w).Code)
}

func TestRespondInternalError(t *testing.T) {
	logger, recorded := system.NewObservedLogger()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondInternalError(c, "load settings", errors.New("boom"), logger)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, "failed to load settings", apiErr.Error)
	require.Len(t, recorded.All(), 1)
	assert.Contains(t, recorded.All()[0].Message, "load settings")
}
