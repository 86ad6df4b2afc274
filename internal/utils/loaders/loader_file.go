package loaders

import (
	"fmt"

	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/traefik/paerser/cli"
	"github.com/traefik/paerser/file"
	"github.com/traefik/paerser/flag"
)

// paerser parses flags under its default root name
const configFileFlag = "traefik.experimental.configFile"

type FileLoader struct{}

func (f *FileLoader) Load(args []string, cmd *cli.Command) (bool, error) {
	flags, err := flag.Parse(args, cmd.Configuration)

	if err != nil {
		return false, err
	}

	path, ok := flags[configFileFlag]

	if !ok {
		return false, nil
	}

	tlog.App.Warn().Str("path", path).Msg("Using experimental file config loader, this feature may change or be removed in future releases")

	if err := file.Decode(path, cmd.Configuration); err != nil {
		return false, fmt.Errorf("failed to decode configuration file: %w", err)
	}

	return true, nil
}
