package domain

import "context"

// Subscriber is anything that can receive a scored-record alert. The
// websocket hub and a webhook subscriber both implement it.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, rec *ScoredRecord) error
}
