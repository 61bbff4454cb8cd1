// Package pprof keeps the net/http/pprof import, and its init side effect on
// the default mux, out of packages embedding the coordinator.
package pprof

import (
	"net/http"
	"net/http/pprof"
)

// WithProfile returns the pprof endpoints. Mount it at /debug/pprof/.
func WithProfile() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", pprof.Index)
	// sub-paths match on the whole path
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))

	return mux
}
