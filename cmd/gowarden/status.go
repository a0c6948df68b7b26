package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/config"
)

// runStatusCommand queries the running server's /healthz endpoint and prints
// the raw JSON body. Returns the process exit code.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s status\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	healthURL := healthEndpoint(cfg.BindAddr)
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server unreachable at %s: %v\n", healthURL, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return 1
	}
	os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server reported status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}

// healthEndpoint turns a bind address into a dialable /healthz URL. A bare
// or wildcard host becomes loopback, and IPv6 hosts are bracketed.
func healthEndpoint(bindAddr string) string {
	addr := strings.TrimPrefix(strings.TrimPrefix(bindAddr, "http://"), "https://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/healthz"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}
