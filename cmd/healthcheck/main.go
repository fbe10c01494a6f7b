// Command healthcheck probes the daemon's liveness endpoint and exits
// non-zero on failure, for use as a container HEALTHCHECK.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultHealthcheckURL = "http://127.0.0.1:8080/healthz"
	envHealthcheckURL     = "RUNNERSCALE_HEALTHCHECK_URL"
)

func resolveHealthcheckURL() string {
	if raw := strings.TrimSpace(os.Getenv(envHealthcheckURL)); raw != "" {
		return raw
	}
	return defaultHealthcheckURL
}

func probeHealth(client *http.Client, healthURL string) error {
	resp, err := client.Get(healthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	client := &http.Client{Timeout: 2 * time.Second}
	healthURL := resolveHealthcheckURL()
	if err := probeHealth(client, healthURL); err != nil {
		fmt.Printf("healthcheck failed (%s): %v\n", healthURL, err)
		os.Exit(1)
	}
}
