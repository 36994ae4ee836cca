package host

import (
	"errors"
	nethttp "net/http"
	"strconv"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
)

// ServeHTTP answers r through the controlling agent, or straight from the
// network while no agent controls the scope.
//
// Network errors and opaque responses are answered with 502 Bad Gateway.
func (r *Runtime) ServeHTTP(w nethttp.ResponseWriter, req *nethttp.Request) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.URL = r.scope.ResolveReference(req.URL)

	var (
		resp *bucket.Response
		err  error
	)
	if agent, ok := r.controller(); ok {
		resp, err = agent.Fetch(req.Context(), out)
		if errors.Is(err, offline.ErrHandlerPanic) {
			_ = r.report(req.Context(), agent, err)
		}
	} else {
		resp, err = r.network.Fetch(req.Context(), out)
	}

	switch {
	case err != nil:
		r.log().Warn("fetch failed", "url", out.URL.String(), "error", err)
		status := nethttp.StatusBadGateway
		if errors.Is(err, offline.ErrHandlerPanic) {
			status = nethttp.StatusInternalServerError
		}
		nethttp.Error(w, nethttp.StatusText(status), status)
		return
	case resp == nil || resp.Type == bucket.TypeOpaque || resp.Status < 100:
		r.log().Warn("unreadable response", "url", out.URL.String())
		nethttp.Error(w, nethttp.StatusText(nethttp.StatusBadGateway), nethttp.StatusBadGateway)
		return
	}

	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if req.Method != nethttp.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}
