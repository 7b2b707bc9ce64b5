package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/tenantflow/adapter"
)

func TestBuiltinDriversRegistered(t *testing.T) {
	assert.Equal(t, []string{"kafka", "memory", "redis"}, adapter.DefaultRegistry.Names())
	for _, name := range adapter.DefaultRegistry.Names() {
		assert.Equal(t, name, adapter.GetCapabilities(name).Name)
	}
}
