// Package debug provides the standalone debug mux served on a private port:
// pprof profiles and a live runtime statistics dashboard.
package debug

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/arl/statsviz"
)

// Mux registers the standard library debug routes and the statsviz dashboard
// into a new mux. Using a dedicated mux keeps these routes off the
// application's public listener.
func Mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}

	return mux, nil
}
