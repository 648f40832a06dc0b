package server

import (
	"fmt"

	"planetchat/internal/version"

	"github.com/fatih/color"
)

const banner = `
    ____  __                  __  ________          __
   / __ \/ /___ _____  ___  / /_/ ____/ /_  ____ _/ /_
  / /_/ / / __ '/ __ \/ _ \/ __/ /   / __ \/ __ '/ __/
 / ____/ / /_/ / / / /  __/ /_/ /___/ / / / /_/ / /_
/_/   /_/\__,_/_/ /_/\___/\__/\____/_/ /_/\__,_/\__/
`

func printBanner(cfg *Config) {
	color.Cyan(banner)
	fmt.Printf("  %s %s (%s)\n", color.GreenString("version:"), version.Version, version.GitCommit)
	fmt.Printf("  %s %s\n", color.GreenString("node:   "), cfg.NodeID)
	fmt.Printf("  %s %s\n\n", color.GreenString("listen: "), cfg.Server.Addr)
}
