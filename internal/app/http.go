package app

import (
	"context"
	"net/http"

	"parleydb/internal/retention"
	"parleydb/pkg/api"
	"parleydb/pkg/auth"
	"parleydb/pkg/banner"
	"parleydb/pkg/telemetry"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// startHTTP builds the handler stack, starts the server in a goroutine and
// returns it with a channel carrying any fatal server error.
func (a *App) startHTTP() (*http.Server, <-chan error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.wsServer.Handler())

	apiSrv := api.New(a.reg, a.store, a.coord)
	secCfg := auth.SecConfig{
		RPS:         a.eff.Config.Security.RateLimit.RPS,
		Burst:       a.eff.Config.Security.RateLimit.Burst,
		BackendKeys: auth.KeySet(a.eff.Config.Security.APIKeys.Backend),
		AdminKeys:   auth.KeySet(a.eff.Config.Security.APIKeys.Admin),
		AllowUnauth: a.eff.Config.Security.APIKeys.AllowUnauth,
	}
	// The websocket upgrade does its own HELLO token check; only the admin
	// surface goes through the key middleware.
	mux.Handle("/", telemetry.Middleware(auth.Middleware(secCfg)(apiSrv.Router())))

	srv := &http.Server{Addr: a.eff.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	return srv, errCh
}

// startRetention launches the retention scheduler if enabled.
func (a *App) startRetention(ctx context.Context) (context.CancelFunc, error) {
	runner := retention.New(a.reg, a.coord, a.eff.Config.Retention)
	return runner.Start(ctx)
}
