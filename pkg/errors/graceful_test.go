package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewGracefulError("open config store", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "operation 'open config store' failed: connection refused", err.Error())
}

func TestFirstExitCodeWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.RestartRequested(2, "activation of next")
	eh.FatalError("serve", errors.New("boom"))
	assert.Equal(t, ExitRestart, eh.WaitForExit())
	assert.Equal(t, ExitOK, eh.Exit())
}

func TestExitWithoutRequestIsOK(t *testing.T) {
	eh := NewErrorHandler()
	assert.Equal(t, ExitOK, eh.Exit())

	eh.ValidationError("failover.probe_timeout", errors.New("negative"))
	assert.Equal(t, ExitFailure, eh.Exit())
}
