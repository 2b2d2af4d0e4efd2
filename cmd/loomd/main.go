package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loom-chat/loom/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default ~/.loom/config.toml)")
	identityFlag := flag.String("identity", "", "local user id")
	flag.Parse()

	if *identityFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -identity is required")
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		configPath = filepath.Join(home, ".loom", "config.toml")
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: configPath,
			Identity:   *identityFlag,
			Token:      os.Getenv("LOOM_TOKEN"),
		}),
	)

	app.Run()
}
