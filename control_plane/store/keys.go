package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceActionLock Resource = "action-lock"
	ResourceEvents     Resource = "events"
)

// ServiceKey constructs a fully qualified Redis key for a service resource.
// Format: fluxguard:services:{serviceID}:{resource}
func ServiceKey(serviceID string, resource Resource) string {
	return fmt.Sprintf("fluxguard:services:%s:%s", serviceID, resource)
}

// LeaderKey is the lease key for scheduler leadership.
const LeaderKey = "fluxguard:lock:scheduler-leader"

// ChannelKey builds the pub/sub channel name for an event stream.
// Format: fluxguard:{resource}:{name}
func ChannelKey(resource Resource, name string) string {
	return fmt.Sprintf("fluxguard:%s:%s", resource, name)
}
