// Package main implements the otun tunnel server.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/otun-project/otun/internal/tunnelserver"
	"github.com/otun-project/otun/internal/version"
)

func main() {
	httpAddr := flag.String("http", ":8080", "HTTP port address for public tunnel traffic")
	controlAddr := flag.String("control", ":4443", "Control port address for tunnel client connections")
	dataAddr := flag.String("data", "", "Data port address for session rendezvous (default: control port + 1)")
	zone := flag.String("zone", "", "Base domain appended to assigned subdomains (e.g., tunnel.example.com)")
	maxClients := flag.Int("max-clients", 100, "Maximum number of concurrently registered tunnel clients")
	tokens := flag.String("tokens", "", "Comma-separated list of valid auth tokens (if set, authentication is required)")
	useMux := flag.Bool("mux-data", false, "Use a persistent yamux session per client instead of dial-per-session data connections")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("otun-server " + version.Full())
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var tokenList []string
	if *tokens != "" {
		tokenList = strings.Split(*tokens, ",")
		slog.Info("token authentication enabled", "token_count", len(tokenList))
	}

	srv := tunnelserver.New(*httpAddr, *controlAddr, *dataAddr, *zone, tokenList)
	srv.MaxClients = *maxClients
	srv.UseMuxData = *useMux

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
