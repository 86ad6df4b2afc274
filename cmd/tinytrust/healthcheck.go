package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/traefik/paerser/cli"
)

type healthzResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// The check targets the local instance, so it deliberately skips the outbound URL checks.
func healthcheckCmd() *cli.Command {
	return &cli.Command{
		Name:          "healthcheck",
		Description:   "Perform a health check",
		Configuration: nil,
		Resources:     nil,
		AllowArg:      true,
		Run: func(args []string) error {
			tlog.NewSimpleLogger().Init()

			appUrl := os.Getenv("TINYTRUST_APPURL")

			if len(args) > 0 {
				appUrl = args[0]
			}

			if appUrl == "" {
				appUrl = "http://127.0.0.1:3000"
			}

			tlog.App.Info().Str("app_url", appUrl).Msg("Performing health check")

			client := http.Client{
				Timeout: 30 * time.Second,
			}

			req, err := http.NewRequest("GET", appUrl+"/api/healthz", nil)

			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}

			resp, err := client.Do(req)

			if err != nil {
				return fmt.Errorf("failed to perform request: %w", err)
			}

			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("service is not healthy, got: %s", resp.Status)
			}

			var healthResp healthzResponse

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			err = json.Unmarshal(body, &healthResp)

			if err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			if healthResp.Status != "ok" {
				return errors.New("service reported an unexpected status: " + healthResp.Status)
			}

			tlog.App.Info().Interface("response", healthResp).Msg("Tinytrust is healthy")

			return nil
		},
	}
}
