// Package adapters imports all built-in drivers for auto-registration.
// Import this package to have all drivers registered with the default registry.
package adapters

import (
	// Import all drivers for side-effect registration
	_ "github.com/drblury/tenantflow/adapter/kafka"
	_ "github.com/drblury/tenantflow/adapter/memory"
	_ "github.com/drblury/tenantflow/adapter/redis"
)
