package banner

import (
	"fmt"

	"parleydb/pkg/config"
)

const banner = `
██████╗  █████╗ ██████╗ ██╗     ███████╗██╗   ██╗██████╗ ██████╗
██╔══██╗██╔══██╗██╔══██╗██║     ██╔════╝╚██╗ ██╔╝██╔══██╗██╔══██╗
██████╔╝███████║██████╔╝██║     █████╗   ╚████╔╝ ██║  ██║██████╔╝
██╔═══╝ ██╔══██║██╔══██╗██║     ██╔══╝    ╚██╔╝  ██║  ██║██╔══██╗
██║     ██║  ██║██║  ██║███████╗███████╗   ██║   ██████╔╝██████╔╝
╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝   ╚═════╝ ╚═════╝
`

// PrintWithEff prints the startup banner from an effective config.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("WS   /ws - client sync protocol (HELLO handshake)")
	fmt.Println("GET  /v1/teams - list teams")
	fmt.Println("POST /v1/teams/{id}/conversations/{entity}/messages - backend append")
	fmt.Println("GET  /metrics - prometheus metrics")

	if eff.Config != nil {
		be := len(eff.Config.Security.APIKeys.Backend)
		ak := len(eff.Config.Security.APIKeys.Admin)
		if be == 0 && ak == 0 && !eff.Config.Security.APIKeys.AllowUnauth {
			fmt.Println("\nNo API keys configured; the admin surface will reject every request.")
		}
		if eff.Config.Security.APIKeys.AllowUnauth {
			fmt.Println("\nWARNING: allow_unauth is set; do not run this in production.")
		}
	}
}
