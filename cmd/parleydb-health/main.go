// Command parleydb-health is a lean liveness sidecar. It answers health
// probes on a separate port through the fasthttp adapter so load balancers
// never queue behind the main listener.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"parleydb/pkg/httpx"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8081", "listen address for health probes")
	flag.Parse()

	health := func(w httpx.ResponseWriter, r *httpx.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "{\"status\":\"ok\",\"version\":%q}", version)
	}
	inner := httpx.FastHTTPAdapter(health)
	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz", "/readyz":
			inner(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("parleydb health sidecar listening on %s\n", *addr)
	srv := &fasthttp.Server{
		Handler:            handler,
		Name:               "parleydb-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("health sidecar exit: %v\n", err)
	}
}
