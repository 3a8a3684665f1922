package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var apiEndpoint = defaultAPIEndpoint() // overridden by TWAMM_API_URL or --api
var adminToken = os.Getenv("TWAMM_ADMIN_TOKEN")
var ownerToken = os.Getenv("TWAMM_OWNER_TOKEN")

const passphraseEnv = "TWAMM_KEYSTORE_PASSPHRASE"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "keygen":
		return runKeygenCommand(args[1:], stdout, stderr)
	case "address":
		return runAddressCommand(args[1:], stdout, stderr)
	case "order":
		return runOrderCommand(args[1:], stdout, stderr)
	case "pool":
		return runPoolCommand(args[1:], stdout, stderr)
	case "balances":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: twamm-cli balances <address>")
			return 1
		}
		return printCall(stdout, stderr, "GET", "/v1/accounts/"+args[1]+"/balances", nil, callOptions{})
	case "events":
		return runEventsCommand(args[1:], stdout, stderr)
	case "params":
		return printCall(stdout, stderr, "GET", "/v1/params", nil, callOptions{})
	case "stats":
		return printCall(stdout, stderr, "GET", "/v1/stats", nil, callOptions{})
	case "admin":
		return runAdminCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: twamm-cli [--api URL] <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen --out <file>                      create an encrypted trader keystore")
	fmt.Fprintln(w, "  address --key <file>                     print the trader address of a keystore")
	fmt.Fprintln(w, "  order <submit|get|executable|cancel|withdraw|claim|list> ...")
	fmt.Fprintln(w, "  pool <list|get|orders|quote|estimate|twap|settlements|execute> ...")
	fmt.Fprintln(w, "  balances <address>                       ledger balances of an account")
	fmt.Fprintln(w, "  events [--after N] [--limit N]           recent module events")
	fmt.Fprintln(w, "  params | stats                           execution parameters and counters")
	fmt.Fprintln(w, "  admin <credit|pause|resume|params|create-pool|reset-stats|export> ...")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Owner commands take --from <address> or --key <keystore>; the keystore")
	fmt.Fprintf(w, "passphrase is read from %s or prompted. TWAMM_OWNER_TOKEN, when set, is sent\n", passphraseEnv)
	fmt.Fprintln(w, "as the owner bearer token. Admin commands use TWAMM_ADMIN_TOKEN.")
}

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("TWAMM_API_URL")); v != "" {
		return v
	}
	return "http://localhost:7080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiEndpoint = strings.TrimPrefix(arg, "--api=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}
