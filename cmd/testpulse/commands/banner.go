package commands

import (
	"fmt"

	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/sym"
	"github.com/teranos/testpulse/version"
)

// printStartupBanner prints the daemon's startup message
func printStartupBanner(verbosity int, dbPath string, workers int) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	magenta := "\033[35m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ║   ▀█▀ █▀▀ █▀ ▀█▀  █▀█ █ █ █   █▀ █▀▀          ║\n")
	fmt.Printf("   ║    █  ██▄ ▄█  █   █▀▀ █▄█ █▄▄ ▄█ ██▄          ║\n")
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ║   %s%s%s Graph  %s%s%s Gate  %s%s%s Pulse                    ║\n",
		blue, sym.Graph, reset+cyan+bold, yellow, sym.Gate, reset+cyan+bold, magenta, sym.Pulse, reset+cyan+bold)
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ testpulse ─────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s\n", green, reset, info.String())
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s│%s Workers:   %d\n", green, reset, workers)
	fmt.Printf("%s└─────────────────────────────────────────────────┘%s\n", green, reset)
}
