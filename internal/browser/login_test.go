package browser

import (
	"testing"

	"redcapaudit/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_NotStarted(t *testing.T) {
	b := New(config.DefaultConfig().Browser)
	assert.NoError(t, b.Shutdown())
	assert.NoError(t, b.Shutdown())
}
