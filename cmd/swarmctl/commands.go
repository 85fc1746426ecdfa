package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

func cmdStatus(ctx context.Context, c *apiClient, args []string) error {
	var out map[string]any
	if err := c.get(ctx, "/api/v1/status", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdFleet(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("fleet", flag.ContinueOnError)
	all := fs.Bool("all", false, "include offline drones")
	kind := fs.String("kind", "", "filter to drone or sweeper")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *all {
		q.Set("all", "1")
	}
	if *kind != "" {
		q.Set("kind", *kind)
	}

	var out struct {
		Drones        []map[string]any `json:"drones"`
		Orchestrators []string         `json:"orchestrators"`
	}
	if err := c.get(ctx, "/api/v1/nodes", q, &out); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tKIND\tSTATUS\tPAUSED\tTASK")
	for _, n := range out.Drones {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\n", n["Name"], n["Address"], n["Kind"], n["Status"], n["Paused"], n["Task"])
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "max rows")
	session := fs.String("session", "", "scope to a session id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *session != "" {
		q.Set("session", *session)
	}

	var out map[string]any
	if err := c.get(ctx, "/api/v1/history", q, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdEvents(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	since := fs.Int64("since", 0, "only events newer than this id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *since > 0 {
		q.Set("since", strconv.FormatInt(*since, 10))
	}

	var out map[string]any
	if err := c.get(ctx, "/api/v1/events", q, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdQueue(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: swarmctl queue <add|list> ...")
	}
	switch args[0] {
	case "add":
		packages := args[1:]
		if len(packages) == 0 {
			return fmt.Errorf("usage: swarmctl queue add <atom>...")
		}
		var out map[string]any
		if err := c.post(ctx, "/api/v1/queue", map[string]any{"packages": packages}, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "list":
		// there is no dedicated queue-listing endpoint; status carries the
		// session's queue counters.
		var out map[string]any
		if err := c.get(ctx, "/api/v1/status", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

func cmdControl(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: swarmctl control <action> [atom=... drone_id=...]")
	}
	action := args[0]
	body := map[string]any{"action": action}
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			body[parts[0]] = parts[1]
		}
	}

	var out map[string]any
	if err := c.post(ctx, "/api/v1/control", body, &out); err != nil {
		return err
	}
	fmt.Println("to confirm a destructive action, rerun with confirm_token=<token> from the response below:")
	return printJSON(out)
}

func cmdMonitor(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		var out map[string]any
		if err := c.get(ctx, "/api/v1/status", nil, &out); err != nil {
			fmt.Fprintf(os.Stderr, "poll error: %v\n", err)
		} else {
			fmt.Printf("[%s] %+v\n", time.Now().Format(time.Kitchen), out)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func cmdAudit(ctx context.Context, c *apiClient, args []string) error {
	var out map[string]any
	if err := c.adminGet(ctx, "/api/v1/admin/audit", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdRelease(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("release: expected a subcommand (list, create, promote, rollback, archive, diff, migrate)")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		var out map[string]any
		if err := c.adminGet(ctx, "/api/v1/admin/releases", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "create":
		fs := flag.NewFlagSet("release create", flag.ContinueOnError)
		version := fs.String("version", "", "release version, omit to auto-generate")
		name := fs.String("name", "", "release name")
		notes := fs.String("notes", "", "release notes")
		createdBy := fs.String("by", "swarmctl", "operator identity recorded on the release")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var out map[string]any
		body := map[string]string{"version": *version, "name": *name, "notes": *notes, "created_by": *createdBy}
		if err := c.adminPost(ctx, "/api/v1/admin/releases", body, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "promote":
		if len(rest) != 1 {
			return fmt.Errorf("release promote: expected <version>")
		}
		var out map[string]any
		if err := c.adminPost(ctx, "/api/v1/admin/releases/promote", map[string]string{"version": rest[0]}, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "rollback":
		var out map[string]any
		if err := c.adminPost(ctx, "/api/v1/admin/releases/rollback", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "archive":
		if len(rest) != 1 {
			return fmt.Errorf("release archive: expected <version>")
		}
		var out map[string]any
		if err := c.adminPost(ctx, "/api/v1/admin/releases/archive", map[string]string{"version": rest[0]}, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "diff":
		if len(rest) != 2 {
			return fmt.Errorf("release diff: expected <from> <to>")
		}
		q := url.Values{"from": {rest[0]}, "to": {rest[1]}}
		var out map[string]any
		if err := c.adminGet(ctx, "/api/v1/admin/releases/diff", q, &out); err != nil {
			return err
		}
		return printJSON(out)
	case "migrate":
		fs := flag.NewFlagSet("release migrate", flag.ContinueOnError)
		createdBy := fs.String("by", "swarmctl", "operator identity recorded on the release")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("release migrate: expected <flat_binhost_dir>")
		}
		var out map[string]any
		body := map[string]string{"flat_binhost_dir": fs.Arg(0), "created_by": *createdBy}
		if err := c.adminPost(ctx, "/api/v1/admin/releases/migrate", body, &out); err != nil {
			return err
		}
		return printJSON(out)
	default:
		return fmt.Errorf("release: unknown subcommand %q", sub)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
