package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/traefik/paerser/cli"
)

type discoverOutput struct {
	Discovery    service.DiscoveryResult     `json:"discovery"`
	Connectivity *service.ConnectivityResult `json:"connectivity,omitempty"`
}

func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:          "discover",
		Description:   "Discover and validate the OpenID Connect configuration of an issuer. Use tinytrust discover <issuer>",
		Configuration: nil,
		Resources:     nil,
		AllowArg:      true,
		Run: func(args []string) error {
			tlog.NewSimpleLogger().Init()

			if len(args) == 0 {
				return errors.New("issuer URL is required. use tinytrust discover <issuer>")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pool := service.NewConnectionPool(service.ConnectionPoolConfig{})
			cache := service.NewOIDCCache(service.OIDCCacheConfig{})
			retry := service.NewRetryManager(service.RetryManagerConfig{})
			discovery := service.NewDiscoveryService(service.DiscoveryServiceConfig{}, pool, cache, retry, nil)

			output := discoverOutput{
				Discovery: discovery.DiscoverEndpoints(ctx, args[0]),
			}

			if output.Discovery.Success {
				connectivity := discovery.TestEndpointConnectivity(ctx, *output.Discovery.Endpoints)
				output.Connectivity = &connectivity
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")

			if err := encoder.Encode(output); err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}

			if !output.Discovery.Success {
				return errors.New(output.Discovery.Error)
			}

			return nil
		},
	}
}
