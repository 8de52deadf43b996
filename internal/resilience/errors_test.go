package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", NewTransientError(errors.New("overloaded"), 503), ClassTransient},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("rate limited"), 429), "download"), ClassTransient},
		{"explicit permanent", NewPermanentError(errors.New("gone"), 410), ClassPermanent},
		{"fatal", Fatal(errors.New("manifest corrupt")), ClassFatal},
		{"disk full", fmt.Errorf("write: %w", syscall.ENOSPC), ClassFatal},
		{"net timeout", fmt.Errorf("get: %w", timeoutErr{}), ClassTransient},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), ClassTransient},
		{"unknown", errors.New("selector not found"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHTTPStatusError(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.Equal(t, ClassTransient, Classify(HTTPStatusError("download", code)), "status %d", code)
	}
	for _, code := range []int{400, 403, 404, 410} {
		assert.Equal(t, ClassPermanent, Classify(HTTPStatusError("download", code)), "status %d", code)
	}
	assert.Contains(t, HTTPStatusError("download", 404).Error(), "status 404")
}

func TestFatal_Nil(t *testing.T) {
	assert.NoError(t, Fatal(nil))
	assert.False(t, IsFatal(nil))
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "fatal", ClassFatal.String())
}
