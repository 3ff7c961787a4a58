package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Wrapping(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("classify: %w", API("openai", cause))

	assert.True(t, IsAppError(err))
	assert.Equal(t, CodeAPI, CodeOf(err))
	assert.True(t, errors.Is(err, ErrAPI))
	assert.False(t, errors.Is(err, ErrQuota))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "[API]")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"api", API("x", nil), true},
		{"quota", Quota("x", nil), true},
		{"permission", Permission("x", nil), false},
		{"configuration", Configuration("missing key"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestAsAppError_DefaultsToInternal(t *testing.T) {
	appErr := AsAppError(errors.New("boom"))
	assert.Equal(t, CodeInternal, appErr.Code)

	nf := NotFound("follow-up item").WithDetail("id", "abc")
	assert.Equal(t, "abc", AsAppError(nf).Details["id"])
}
