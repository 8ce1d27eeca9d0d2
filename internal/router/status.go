package router

// ConnectionStatus pairs a declared ConnectionInfo with its live
// InstanceHandle — the router's unit of ownership. An instance appears in
// at most one of a SentinelShard's instances/cleanWait slices at a time.
type ConnectionStatus struct {
	Info   ConnectionInfo
	Handle InstanceHandle
}
