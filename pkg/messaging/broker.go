package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Channels published by the dispatch pipeline.
const (
	ChannelAnalysisCompleted = "email.analysis.completed"
	ChannelChannelDisabled   = "email.channel.disabled"
	// ChannelSessionControl carries idle session start/stop commands from
	// the API process to the worker that owns the sessions.
	ChannelSessionControl = "email.idle.control"
)
