package gateway

import "spectacles-bridge/etf"

// Options configures a Session's connection to the gateway.
type Options struct {
	Token           string
	ShardID         int32
	ShardCount      int32
	LargeThreshold  int32
	InitialPresence etf.Value
}
