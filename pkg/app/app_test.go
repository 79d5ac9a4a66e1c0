package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnownError(t *testing.T) {
	app := &App{}

	message, known := app.KnownError(errors.New("another instance is already running (pid 1234, lock on /var/lib/preheat/preheat.pid)"))
	assert.True(t, known)
	assert.Contains(t, message, "already running")

	_, known = app.KnownError(errors.New("some novel explosion"))
	assert.False(t, known)
}
