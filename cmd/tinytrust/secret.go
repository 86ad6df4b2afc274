package main

import (
	"fmt"
	"strings"

	"github.com/steveiliop56/tinytrust/internal/utils"

	"github.com/traefik/paerser/cli"
)

func generateSecretCmd() *cli.Command {
	return &cli.Command{
		Name:          "secret",
		Description:   "Generate a token hash secret",
		Configuration: nil,
		Resources:     nil,
		Run: func(_ []string) error {
			secret, err := utils.GenerateOpaqueToken(48)

			if err != nil {
				return err
			}

			builder := strings.Builder{}

			fmt.Fprintf(&builder, "Token hash secret: %s\n\n", secret)

			fmt.Fprint(&builder, "Environment variable:\n\n")
			fmt.Fprintf(&builder, "TINYTRUST_AUTH_TOKENHASHSECRET=%s\n\n", secret)

			fmt.Fprint(&builder, "CLI flag:\n\n")
			fmt.Fprintf(&builder, "--auth.tokenhashsecret=%s\n\n", secret)

			fmt.Fprintln(&builder, "Changing the secret invalidates every issued code and token.")

			fmt.Print(builder.String())
			return nil
		},
	}
}
