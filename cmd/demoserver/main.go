// Command demoserver serves look-alike Microsoft 365 pages and local rule
// feeds for exercising m365guard end to end.
// Usage: go run ./cmd/demoserver [addr]
// Default addr: :9999
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/raysh454/m365guard/internal/demoserver"
	"github.com/raysh454/m365guard/internal/logging"
)

func main() {
	cfg := demoserver.DefaultConfig()

	if len(os.Args) > 1 {
		addr := os.Args[1]
		if !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
			log.Fatalf("Invalid listen address: %s", os.Args[1])
		}
		cfg.Addr = addr
	}

	fmt.Println("===========================================")
	fmt.Println("   m365guard Demo Server")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("Pages switch between versions from the control panel:")
	fmt.Println("  - /         intranet portal, then a password-expiry lure")
	fmt.Println("  - /login    plain form, partial Microsoft branding, full kit")
	fmt.Println("  - /consent  OAuth link, then a known rogue application")
	fmt.Println()
	base := cfg.BaseURL()
	fmt.Printf("Run the detector against it:\n  M365GUARD_RULES_URL=%s%s \\\n  M365GUARD_ROGUE_APPS_URL=%s%s \\\n  m365guard scan %s/login\n\n", base, cfg.RulesPath, base, cfg.RogueAppsPath, base)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	server := demoserver.NewDemoServer(cfg, logging.NewStdoutLogger("demoserver"))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
