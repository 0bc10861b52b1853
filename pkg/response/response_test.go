package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/types"
)

func handle(t *testing.T, method string, data interface{}, err error) (int, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, "/", nil)

	Handle(c, data, err)

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHandleSuccess(t *testing.T) {
	code, body := handle(t, "GET", map[string]string{"order_id": "ORD_1"}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)

	code, _ = handle(t, "POST", map[string]string{"order_id": "ORD_1"}, nil)
	assert.Equal(t, http.StatusCreated, code)
}

func TestHandleDomainErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{types.ErrInvalidOrder, http.StatusBadRequest, types.ReasonInvalidOrder},
		{types.ErrDuplicateCommitment, http.StatusConflict, types.ReasonDuplicateCommitment},
		{types.ErrNullifierReused, http.StatusConflict, types.ReasonNullifierReused},
		{types.ErrInvalidTransition, http.StatusConflict, types.ReasonInvalidTransition},
		{types.ErrInsufficientClaim, http.StatusInternalServerError, types.ReasonInsufficientClaim},
		{types.ErrExternalServiceUnavailable, http.StatusServiceUnavailable, types.ReasonExternalServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			code, body := handle(t, "POST", nil, tt.err)
			assert.Equal(t, tt.wantStatus, code)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestHandleWrappedErrorKeepsReasonCode(t *testing.T) {
	wrapped := fmt.Errorf("order ORD_1: %w", types.ErrNullifierReused)
	code, body := handle(t, "POST", nil, wrapped)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, types.ReasonNullifierReused, body.Error.Code)
}

func TestHandleInfrastructureErrors(t *testing.T) {
	code, body := handle(t, "GET", nil, gorm.ErrRecordNotFound)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrCodeNotFound, body.Error.Code)

	code, body = handle(t, "GET", nil, fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}
