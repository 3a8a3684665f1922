package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

func runPoolCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: twamm-cli pool <list|get|orders|quote|estimate|twap|settlements|execute> ...")
		return 1
	}
	sub := strings.ToLower(args[0])
	if sub == "list" {
		return printCall(stdout, stderr, http.MethodGet, "/v1/pools", nil, callOptions{})
	}

	fs := newFlagSet("pool "+sub, stderr)
	var (
		direction = fs.String("direction", "", "a_to_b or b_to_a")
		amount    = fs.String("amount", "", "input amount (quote)")
		duration  = fs.Uint64("duration", 0, "duration in ticks (quote)")
		limit     = fs.Int("limit", 0, "maximum settlements to consider")
	)
	from, key := ownerFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(stderr, "Usage: twamm-cli pool %s [flags] <pool-id>\n", sub)
		return 1
	}
	base := "/v1/pools/" + url.PathEscape(strings.TrimSpace(fs.Arg(0)))
	query := url.Values{}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}

	switch sub {
	case "get":
		return printCall(stdout, stderr, http.MethodGet, base, nil, callOptions{})
	case "orders":
		if *direction != "" {
			query.Set("direction", *direction)
		}
		return printCall(stdout, stderr, http.MethodGet, withQuery(base+"/orders", query), nil, callOptions{})
	case "estimate":
		return printCall(stdout, stderr, http.MethodGet, base+"/estimate", nil, callOptions{})
	case "twap":
		return printCall(stdout, stderr, http.MethodGet, withQuery(base+"/twap", query), nil, callOptions{})
	case "settlements":
		return printCall(stdout, stderr, http.MethodGet, withQuery(base+"/settlements", query), nil, callOptions{})
	case "quote":
		if *direction == "" || *amount == "" || *duration == 0 {
			fmt.Fprintln(stderr, "Usage: twamm-cli pool quote --direction <a_to_b|b_to_a> --amount <n> --duration <ticks> <pool-id>")
			return 1
		}
		if _, ok := parseAmountFlag(*amount, "amount", stderr); !ok {
			return 1
		}
		query.Set("direction", *direction)
		query.Set("amount", strings.TrimSpace(*amount))
		query.Set("duration", strconv.FormatUint(*duration, 10))
		return printCall(stdout, stderr, http.MethodGet, withQuery(base+"/quote", query), nil, callOptions{})
	case "execute":
		owner, err := resolveOwner(*from, *key)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printCall(stdout, stderr, http.MethodPost, base+"/execute", nil, callOptions{owner: owner, idempotent: true})
	default:
		fmt.Fprintf(stderr, "Unknown pool subcommand %q\n", sub)
		return 1
	}
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func parseAmountFlag(raw, name string, stderr io.Writer) (*uint256.Int, bool) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(stderr, "invalid %s %q: must be a base-10 integer\n", name, raw)
		return nil, false
	}
	return value, true
}
