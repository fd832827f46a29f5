package slasher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy is the HTTP front end: the transaction relay plus the read-only
// dashboard. It holds no mutable state of its own; the store is the
// only coordination point.
type Proxy struct {
	Store  *Store
	Client *ValidatorClient
	NodeID string
}

// Handler returns the proxy's HTTP handler tree.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/eth_sendRawTransaction", p.SendRawTransaction)
	mux.HandleFunc("/dashboard/transactions", p.DashboardTransactions)
	mux.HandleFunc("/dashboard/commitments", p.DashboardCommitments)
	mux.HandleFunc("/dashboard/blocks", p.DashboardBlocks)
	mux.HandleFunc("/dashboard/nodestats", p.DashboardNodeStats)
	mux.Handle("/metrics", promhttp.Handler())
	return withRecovery(mux)
}

// httpErrf replies to an HTTP request with the specified error, also
// logging it.
func httpErrf(w http.ResponseWriter, code int, msgfmt string, args ...interface{}) {
	http.Error(w, fmt.Sprintf(msgfmt, args...), code)
	log.Errorf(msgfmt, args...)
}

// withRecovery traps panics in the HTTP path and answers 500 with the
// detail and stack. A debugging aid, not part of the interface contract.
func withRecovery(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic serving %s: %v", req.URL.Path, rec)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"detail":    fmt.Sprint(rec),
					"traceback": string(debug.Stack()),
				})
			}
		}()
		h.ServeHTTP(w, req)
	})
}
