package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show testpulse version information",
	Long:  `Display version, build time, commit hash, and platform information for the testpulse binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		return render(info, func() error {
			fmt.Println(info.String())
			fmt.Printf("Platform: %s\n", info.Platform)
			fmt.Printf("Go: %s\n", info.GoVersion)
			return nil
		})
	},
}
