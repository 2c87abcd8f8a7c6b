package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildconf"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/imagebuild"
)

var (
	configPath      string
	sizeGB          uint64
	clean           bool
	skipCompression bool
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "sky1-image-build DESKTOP LOADOUT TRACK",
	Short: "Build a flashable Sky1 Linux disk image from a prepared chroot",
	Example: "  sky1-image-build gnome desktop main\n" +
		"  sky1-image-build kde developer latest --clean",
	Args:         cobra.ExactArgs(3),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		desktop, err := buildrequest.ParseDesktop(args[0])
		if err != nil {
			return err
		}
		loadout, err := buildrequest.ParseLoadout(args[1])
		if err != nil {
			return err
		}
		track, err := buildrequest.ParseTrack(args[2])
		if err != nil {
			return err
		}

		cfg, err := buildconf.Load(configPath)
		if err != nil {
			return err
		}

		req := buildrequest.Request{
			Desktop: desktop,
			Loadout: loadout,
			Track:   track,
			SizeGB:  sizeGB,
		}
		if req.SizeGB == 0 {
			req.SizeGB = cfg.DefaultSizeGB
		}

		opts := imagebuild.Options{
			Clean:           clean,
			SkipCompression: skipCompression || os.Getenv("SKY1_SKIP_COMPRESSION") != "",
			Now:             time.Now,
		}

		start := time.Now()
		artifact, err := imagebuild.Build(cfg, req, opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s (took %s)\n", artifact, time.Since(start).Round(time.Second))
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", buildconf.DefaultPath, "pipeline configuration file")
	rootCmd.Flags().Uint64Var(&sizeGB, "size", 0, "image size in GB (default from config)")
	rootCmd.Flags().BoolVar(&clean, "clean", false, "remove previous artifacts of this desktop/loadout/track first")
	rootCmd.Flags().BoolVar(&skipCompression, "skip-compression", false, "keep the raw .img instead of compressing to .img.xz")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every external command")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
