package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: twamm-cli admin <credit|pause|resume|params|create-pool|reset-stats|export> ...")
		return 1
	}
	admin := callOptions{admin: true}
	switch strings.ToLower(args[0]) {
	case "credit":
		fs := newFlagSet("admin credit", stderr)
		address := fs.String("address", "", "account to credit")
		asset := fs.String("asset", "", "asset symbol")
		amount := fs.String("amount", "", "amount to mint")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *address == "" || *asset == "" || *amount == "" {
			fmt.Fprintln(stderr, "Usage: twamm-cli admin credit --address <addr> --asset <symbol> --amount <n>")
			return 1
		}
		if _, ok := parseAmountFlag(*amount, "amount", stderr); !ok {
			return 1
		}
		body := map[string]string{"address": *address, "asset": *asset, "amount": strings.TrimSpace(*amount)}
		return printCall(stdout, stderr, http.MethodPost, "/admin/credit", body, admin)
	case "pause", "resume":
		fs := newFlagSet("admin "+args[0], stderr)
		module := fs.String("module", "twamm", "module to toggle")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		body := map[string]interface{}{"module": *module, "paused": strings.EqualFold(args[0], "pause")}
		return printCall(stdout, stderr, http.MethodPost, "/admin/pause", body, admin)
	case "params":
		fs := newFlagSet("admin params", stderr)
		file := fs.String("file", "", "JSON document with the fields to change")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *file == "" {
			fmt.Fprintln(stderr, "Usage: twamm-cli admin params --file <params.json>")
			return 1
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		var body map[string]interface{}
		if err := json.Unmarshal(data, &body); err != nil {
			fmt.Fprintf(stderr, "Error: decode %s: %v\n", *file, err)
			return 1
		}
		return printCall(stdout, stderr, http.MethodPut, "/admin/params", body, admin)
	case "create-pool":
		fs := newFlagSet("admin create-pool", stderr)
		id := fs.String("id", "", "pool identifier")
		assetA := fs.String("asset-a", "", "first asset")
		assetB := fs.String("asset-b", "", "second asset")
		reserveA := fs.String("reserve-a", "", "initial venue reserve of asset A")
		reserveB := fs.String("reserve-b", "", "initial venue reserve of asset B")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if *id == "" || *assetA == "" || *assetB == "" || *reserveA == "" || *reserveB == "" {
			fmt.Fprintln(stderr, "Usage: twamm-cli admin create-pool --id <id> --asset-a <A> --asset-b <B> --reserve-a <n> --reserve-b <n>")
			return 1
		}
		body := map[string]string{"id": *id, "asset_a": *assetA, "asset_b": *assetB, "reserve_a": *reserveA, "reserve_b": *reserveB}
		return printCall(stdout, stderr, http.MethodPost, "/admin/pools", body, admin)
	case "reset-stats":
		return printCall(stdout, stderr, http.MethodPost, "/admin/stats/reset", nil, admin)
	case "export":
		fs := newFlagSet("admin export", stderr)
		pool := fs.String("pool", "", "pool identifier")
		out := fs.String("out", "", "parquet file to write")
		limit := fs.Int("limit", 0, "export only the most recent settlements")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if strings.TrimSpace(*pool) == "" || strings.TrimSpace(*out) == "" {
			fmt.Fprintln(stderr, "Usage: twamm-cli admin export --pool <id> --out <file.parquet> [--limit <n>]")
			return 1
		}
		query := url.Values{}
		if *limit > 0 {
			query.Set("limit", strconv.Itoa(*limit))
		}
		path := withQuery("/admin/pools/"+url.PathEscape(strings.TrimSpace(*pool))+"/settlements.parquet", query)
		data, err := callAPI(http.MethodGet, path, nil, admin)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(data), *out)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand %q\n", args[0])
		return 1
	}
}

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	after := fs.Uint64("after", 0, "return events with a higher sequence")
	limit := fs.Int("limit", 0, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query := url.Values{}
	if *after > 0 {
		query.Set("after", strconv.FormatUint(*after, 10))
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	return printCall(stdout, stderr, http.MethodGet, withQuery("/v1/events", query), nil, callOptions{})
}
