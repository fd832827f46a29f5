package slasher

import (
	"context"
	"strconv"
	"time"

	"github.com/interstellar/starlight/net"
	"github.com/lib/pq"
)

// RunChannelListener consumes Postgres NOTIFY payloads from channel and
// turns each one into a BlockEvent. Payloads are decimal block numbers;
// anything else is logged and dropped. The validator writes blocks to
// the same database, so notified blocks carry no payload and the
// ingestor reads them back from storage or RPC. The subscription is
// retried forever with backoff; the verifier's backlog replay covers
// anything missed while disconnected.
func RunChannelListener(ctx context.Context, dsn, channel string, events chan<- BlockEvent) {
	defer log.Info("postgres channel listener exiting")

	var b net.Backoff
	b.Base = 5 * time.Second

	for {
		err := listenChannel(ctx, dsn, channel, events)
		if ctx.Err() != nil {
			return
		}
		dur := b.Next()
		if dur > maxSourceBackoff {
			dur = maxSourceBackoff
		}
		log.Errorf("postgres channel source: %s, retrying in %s", err, dur)
		t := time.NewTimer(dur)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func listenChannel(ctx context.Context, dsn, channel string, events chan<- BlockEvent) error {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Errorf("postgres listener event %d: %s", ev, err)
		}
	})
	defer listener.Close()

	// Listen blocks until a connection is established and does not take
	// a context, so cancellation closes the listener out from under it.
	errc := make(chan error, 1)
	go func() { errc <- listener.Listen(channel) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	log.Infof("listening on postgres channel %q", channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-listener.Notify:
			if n == nil {
				// Connection was re-established by the listener itself.
				log.Warn("postgres listener reconnected")
				continue
			}
			num, err := strconv.ParseUint(n.Extra, 10, 64)
			if err != nil {
				log.Warnf("ignoring malformed notification payload %q: %s", n.Extra, err)
				continue
			}
			select {
			case events <- BlockEvent{Number: num}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-time.After(time.Hour):
			log.Warn("no block notifications for an hour, pinging")
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}
