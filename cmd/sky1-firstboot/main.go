package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sky1-Linux/sky1-live-build/internal/firstboot"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:          "sky1-firstboot",
	Short:        "One-shot provisioning of a freshly flashed Sky1 Linux system",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the first-boot provisioning steps (no-op once completed)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		closer, err := firstboot.SetupLogging(rootDir)
		if err != nil {
			return err
		}
		defer closer.Close()

		return firstboot.New(rootDir, osexec.New()).Run()
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust-desktop [HOME]",
	Short: "Mark the desktop launchers of a home directory as trusted",
	Long: "Marks every *.desktop launcher on the user's desktop as trusted and\n" +
		"executable. Runs from the session autostart on every login.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		home := ""
		if len(args) == 1 {
			home = args[0]
		} else {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return err
			}
		}
		return firstboot.TrustDesktopFiles(osexec.New(), filepath.Clean(home))
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "/", "operate on this root directory")
	rootCmd.AddCommand(runCmd, trustCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
