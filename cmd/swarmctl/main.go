// Command swarmctl is the operator CLI for the build-swarm coordinator:
// fleet status, queue management, and control actions against a running
// coordinatord over its HTTP protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/buildswarm/coordinator/internal/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("SWARM_ADDR", "http://localhost:8100")
	defaultAdminAddr := getenv("SWARM_ADMIN_ADDR", "http://localhost:8093")
	defaultAdminKey := os.Getenv("SWARM_ADMIN_KEY")

	root := flag.NewFlagSet("swarmctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "coordinator base URL (env SWARM_ADDR)")
	adminAddrFlag := root.String("admin-addr", defaultAdminAddr, "coordinator admin base URL (env SWARM_ADMIN_ADDR)")
	adminKeyFlag := root.String("admin-key", defaultAdminKey, "X-Admin-Key for admin-surface commands (env SWARM_ADMIN_KEY)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	showVersion := root.Bool("version", false, "print swarmctl build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	httpClient := &http.Client{Timeout: *timeoutFlag}
	client := &apiClient{
		baseURL:      strings.TrimRight(*addrFlag, "/"),
		adminBaseURL: strings.TrimRight(*adminAddrFlag, "/"),
		adminKey:     strings.TrimSpace(*adminKeyFlag),
		http:         httpClient,
	}

	switch remaining[0] {
	case "status":
		return cmdStatus(ctx, client, remaining[1:])
	case "fleet", "nodes":
		return cmdFleet(ctx, client, remaining[1:])
	case "history":
		return cmdHistory(ctx, client, remaining[1:])
	case "events":
		return cmdEvents(ctx, client, remaining[1:])
	case "queue":
		return cmdQueue(ctx, client, remaining[1:])
	case "control":
		return cmdControl(ctx, client, remaining[1:])
	case "monitor":
		return cmdMonitor(ctx, client, remaining[1:])
	case "audit":
		return cmdAudit(ctx, client, remaining[1:])
	case "release":
		return cmdRelease(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printUsage()
	return err
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `swarmctl - build-swarm coordinator CLI

Usage:
  swarmctl status                        Fleet + queue summary
  swarmctl fleet [-all]                  List registered drones
  swarmctl history [-limit N] [-session ID]
  swarmctl events [-since ID]
  swarmctl queue add <atom>...           Queue packages for build
  swarmctl queue list                    Print the status summary (queue counters)
  swarmctl control <action> [args]       pause, resume, unblock, unground,
                                          reset, rebalance, clear_failures,
                                          prune_releases
  swarmctl monitor [-interval 2s]        Poll status in a loop
  swarmctl audit                         Run the elevated-failure-rate audit (admin)
  swarmctl release list                  List releases (admin)
  swarmctl release create [-version V] [-name N] [-notes N] [-by WHO]
  swarmctl release promote <version>     Promote a release (admin)
  swarmctl release rollback              Promote the last archived release (admin)
  swarmctl release archive <version>     Archive a non-active release (admin)
  swarmctl release diff <from> <to>      Diff two releases' package trees (admin)
  swarmctl release migrate <dir> [-by WHO]  One-time flat-binhost migration (admin)

Environment:
  SWARM_ADDR        coordinator public base URL (default http://localhost:8100)
  SWARM_ADMIN_ADDR  coordinator admin base URL (default http://localhost:8093)
  SWARM_ADMIN_KEY   X-Admin-Key for admin-surface commands`)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
