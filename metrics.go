package slasher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayedTxs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_relayed_transactions_total",
		Help: "Raw transactions relayed to the validator with a commitment recorded.",
	})

	relayRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_relay_rejected_total",
		Help: "Raw transactions the validator rejected.",
	})

	blocksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_blocks_ingested_total",
		Help: "Blocks fetched or received and durably stored.",
	})

	blocksVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_blocks_verified_total",
		Help: "Blocks run through commitment verification.",
	})

	commitmentResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slasher_commitment_resolutions_total",
		Help: "Commitment status transitions made by the verifier.",
	}, []string{"status"})

	wsReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_websocket_reconnects_total",
		Help: "Reconnection attempts of the newHeads WebSocket source.",
	})
)
