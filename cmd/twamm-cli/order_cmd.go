package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

func runOrderCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: twamm-cli order <submit|get|executable|cancel|withdraw|claim|list> ...")
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "submit":
		return runOrderSubmit(args[1:], stdout, stderr)
	case "get":
		id, ok := orderIDArg(args[1:], "get", stderr)
		if !ok {
			return 1
		}
		return printCall(stdout, stderr, http.MethodGet, "/v1/orders/"+id, nil, callOptions{})
	case "executable":
		id, ok := orderIDArg(args[1:], "executable", stderr)
		if !ok {
			return 1
		}
		return printCall(stdout, stderr, http.MethodGet, "/v1/orders/"+id+"/executable", nil, callOptions{})
	case "cancel", "withdraw", "claim":
		return runOrderExit(strings.ToLower(args[0]), args[1:], stdout, stderr)
	case "list":
		fs := newFlagSet("order list", stderr)
		from, key := ownerFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		owner, err := resolveOwner(*from, *key)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printCall(stdout, stderr, http.MethodGet, "/v1/accounts/"+owner+"/orders", nil, callOptions{})
	default:
		fmt.Fprintf(stderr, "Unknown order subcommand %q\n", args[0])
		return 1
	}
}

func runOrderSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order submit", stderr)
	pool := fs.String("pool", "", "pool identifier")
	direction := fs.String("direction", "", "a_to_b or b_to_a")
	amount := fs.String("amount", "", "total input amount")
	duration := fs.Uint64("duration", 0, "order duration in ticks")
	incentive := fs.String("incentive", "", "trigger incentive deposit")
	from, key := ownerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*pool) == "" || strings.TrimSpace(*direction) == "" || strings.TrimSpace(*amount) == "" || *duration == 0 {
		fmt.Fprintln(stderr, "Usage: twamm-cli order submit --pool <id> --direction <a_to_b|b_to_a> --amount <n> --duration <ticks> [--incentive <n>] (--from <address> | --key <file>)")
		return 1
	}
	if _, ok := parseAmountFlag(*amount, "amount", stderr); !ok {
		return 1
	}
	if *incentive != "" {
		if _, ok := parseAmountFlag(*incentive, "incentive", stderr); !ok {
			return 1
		}
	}
	owner, err := resolveOwner(*from, *key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	body := map[string]interface{}{
		"pool_id":        strings.TrimSpace(*pool),
		"direction":      strings.TrimSpace(*direction),
		"amount":         strings.TrimSpace(*amount),
		"duration_ticks": *duration,
		"incentive":      strings.TrimSpace(*incentive),
	}
	return printCall(stdout, stderr, http.MethodPost, "/v1/orders", body, callOptions{owner: owner, idempotent: true})
}

func runOrderExit(action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("order "+action, stderr)
	from, key := ownerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, ok := orderIDArg(fs.Args(), action, stderr)
	if !ok {
		return 1
	}
	owner, err := resolveOwner(*from, *key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printCall(stdout, stderr, http.MethodPost, "/v1/orders/"+id+"/"+action, nil, callOptions{owner: owner, idempotent: true})
}

func orderIDArg(args []string, action string, stderr io.Writer) (string, bool) {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "Usage: twamm-cli order %s [flags] <order-id>\n", action)
		return "", false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || id == 0 {
		fmt.Fprintf(stderr, "invalid order id %q\n", args[0])
		return "", false
	}
	return strconv.FormatUint(id, 10), true
}
