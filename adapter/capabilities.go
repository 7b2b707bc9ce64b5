package adapter

// Capabilities describes the features supported by a backend driver.
type Capabilities struct {
	// Name is the registry name of the driver.
	Name string

	// DefaultPartitions is used for topics created without an explicit count.
	DefaultPartitions int

	// Durable reports whether published events survive a process restart.
	Durable bool

	// SupportsOrdering indicates per-partition ordering is preserved.
	SupportsOrdering bool

	// SupportsReplay indicates ReplayEvents can read historical events.
	SupportsReplay bool

	// SupportsReplayCancel indicates the driver implements ReplayCanceller.
	SupportsReplayCancel bool

	// SupportsDLQListing indicates the driver implements DLQReader.
	SupportsDLQListing bool

	// SupportsDistributedGroups indicates group members may live in different processes.
	SupportsDistributedGroups bool

	// MaxMessageSize is the maximum encoded envelope size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Predefined capability sets for the bundled drivers.
var (
	MemoryCapabilities = Capabilities{
		Name:                 "memory",
		DefaultPartitions:    4,
		SupportsOrdering:     true,
		SupportsReplay:       true,
		SupportsReplayCancel: true,
		SupportsDLQListing:   true,
	}

	RedisCapabilities = Capabilities{
		Name:                      "redis",
		DefaultPartitions:         4,
		Durable:                   true,
		SupportsOrdering:          true,
		SupportsReplay:            true,
		SupportsReplayCancel:      true,
		SupportsDLQListing:        true,
		SupportsDistributedGroups: true,
		MaxMessageSize:            512 * 1024 * 1024,
	}

	KafkaCapabilities = Capabilities{
		Name:                      "kafka",
		DefaultPartitions:         12,
		Durable:                   true,
		SupportsOrdering:          true,
		SupportsReplay:            true,
		SupportsReplayCancel:      true,
		SupportsDLQListing:        true,
		SupportsDistributedGroups: true,
		MaxMessageSize:            1048576, // Default 1MB
	}
)

// PartitionsFor returns the configured partition count, falling back to the
// driver default and finally to one.
func (c Capabilities) PartitionsFor(configured int) int {
	if configured > 0 {
		return configured
	}
	if c.DefaultPartitions > 0 {
		return c.DefaultPartitions
	}
	return 1
}

// GetCapabilities returns the capabilities for a driver by name.
// Returns a Capabilities carrying only the name if the driver is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
