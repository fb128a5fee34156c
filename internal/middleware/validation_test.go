package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/tributary-ai/routing-engine/internal/model"
)

func TestNewValidationMiddleware_Disabled(t *testing.T) {
	logger := logrus.New()
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: false}, logger)
	assert.NoError(t, err)
	assert.NotNil(t, vm)
	assert.False(t, vm.enabled)
}

func TestValidationMiddleware_Middleware_PassthroughWhenDisabled(t *testing.T) {
	logger := logrus.New()
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: false}, logger)
	assert.NoError(t, err)

	called := false
	handler := vm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteValidationError_AnthropicEnvelope(t *testing.T) {
	logger := logrus.New()
	vm := &ValidationMiddleware{logger: logger, enabled: true}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	vm.writeValidationError(w, req, errors.New(`request body has an error: field "model" is required`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"error"`)
	assert.Contains(t, w.Body.String(), string(model.ErrValidation))
}

func TestWriteValidationError_OpenAIEnvelope(t *testing.T) {
	logger := logrus.New()
	vm := &ValidationMiddleware{logger: logger, enabled: true}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	vm.writeValidationError(w, req, errors.New("enum value must be one of [user, assistant, system]"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"400"`)
	assert.Contains(t, w.Body.String(), string(model.ErrValidation))
}

func TestParseValidationMessage(t *testing.T) {
	vm := &ValidationMiddleware{}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"request body", errors.New("request body doesn't match schema"), "invalid request body format"},
		{"required", errors.New(`property "model" is required`), "missing required field"},
		{"type", errors.New("value must be a string, got type number"), "invalid field type"},
		{"enum", errors.New("value is not in enum"), "invalid enum value"},
		{"fallback", errors.New("something else entirely"), "something else entirely"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := vm.parseValidationMessage(tt.err)
			assert.Contains(t, got, tt.want)
		})
	}
}
