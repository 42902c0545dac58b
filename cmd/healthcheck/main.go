// Command healthcheck checks the local /healthz endpoint and exits non-zero
// when it does not answer 200. It is meant for container HEALTHCHECK use.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/healthz"

func main() {
	url := os.Getenv("HEALTHCHECK_URL")
	if url == "" {
		url = defaultURL
	}
	os.Exit(check(context.Background(), url, 3*time.Second))
}

func check(ctx context.Context, url string, timeout time.Duration) int {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("healthcheck request", slog.Any("err", err))
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("healthcheck failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("healthcheck unhealthy", slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
