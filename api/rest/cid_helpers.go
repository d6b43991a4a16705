package rest

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/ipfs/go-cid"

	"blockswap/core/cidutil"
	"blockswap/network/wantlist"
)

// parseCIDVar reads the {cid} route variable.
func parseCIDVar(r *http.Request) (cid.Cid, error) {
	s := mux.Vars(r)["cid"]
	if s == "" {
		return cid.Undef, errors.New("missing cid")
	}
	return cidutil.Parse(s)
}

// fetchOptions reads the optional priority and timeout query parameters.
func fetchOptions(r *http.Request) (wantlist.Priority, time.Duration, error) {
	q := r.URL.Query()
	priority := wantlist.Normal
	if p := q.Get("priority"); p != "" {
		parsed, err := wantlist.ParsePriority(p)
		if err != nil {
			return 0, 0, err
		}
		priority = parsed
	}
	var timeout time.Duration
	if t := q.Get("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.Newf("invalid timeout %q", t)
		}
		timeout = parsed
	}
	return priority, timeout, nil
}
