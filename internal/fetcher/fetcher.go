package fetcher

import (
	"context"
	"encoding/json"
)

// Kind is the JSON shape an endpoint is expected to return.
type Kind int

const (
	KindObject Kind = iota
	KindArray
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindNumber:
		return "number"
	default:
		return "unknown"
	}
}

// Endpoint identifies an upstream metric. ID doubles as the snapshot cache key.
type Endpoint struct {
	ID   string
	Path string
	Kind Kind
}

// Upstream endpoints of the mempool.space REST API.
var (
	EndpointFees          = Endpoint{ID: "fees", Path: "/v1/fees/recommended", Kind: KindObject}
	EndpointMempool       = Endpoint{ID: "mempool", Path: "/mempool", Kind: KindObject}
	EndpointMempoolBlocks = Endpoint{ID: "mempool_blocks", Path: "/v1/fees/mempool-blocks", Kind: KindArray}
	EndpointTipHeight     = Endpoint{ID: "blocks_tip_height", Path: "/blocks/tip/height", Kind: KindNumber}
)

// Upstream performs a single call against the metrics provider.
type Upstream interface {
	Get(ctx context.Context, ep Endpoint) (json.RawMessage, error)
}

// Waiter gates calls; satisfied by *ratelimit.Limiter.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Fetcher returns a payload for an endpoint, possibly from the snapshot cache.
type Fetcher interface {
	Fetch(ctx context.Context, ep Endpoint) (Result, error)
}

// Result of a resilient fetch.
type Result struct {
	Payload      json.RawMessage
	UsedFallback bool
	Attempts     int
}
