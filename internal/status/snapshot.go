// internal/status/snapshot.go
package status

// Snapshot is the externally visible state of one device.
type Snapshot struct {
	Health         uint16
	LastErrorCode  uint16
	SecondsInError uint16
}
