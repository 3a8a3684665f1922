package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ownerHeader = "X-TWAMM-Owner"

var httpClient = &http.Client{Timeout: 15 * time.Second}

type callOptions struct {
	owner string
	admin bool
	// idempotent attaches a fresh Idempotency-Key so a retried request is
	// replayed by the server instead of applied twice.
	idempotent bool
}

func callAPI(method, path string, body interface{}, opts callOptions) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(apiEndpoint, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.owner != "" {
		req.Header.Set(ownerHeader, opts.owner)
		if token := strings.TrimSpace(ownerToken); token != "" && !opts.admin {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if opts.admin {
		token := strings.TrimSpace(adminToken)
		if token == "" {
			return nil, fmt.Errorf("admin command requires TWAMM_ADMIN_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if opts.idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("twammd returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("twammd returned %d", resp.StatusCode)
	}
	return data, nil
}

func printCall(stdout, stderr io.Writer, method, path string, body interface{}, opts callOptions) int {
	result, err := callAPI(method, path, body, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, result)
	return 0
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return
	}
	fmt.Fprintln(w, strings.TrimSpace(pretty.String()))
}
