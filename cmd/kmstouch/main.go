package main

// kmstouch entrypoint.
//
// A single self-contained binary that:
// - takes over the display through DRM/KMS (no window server)
// - reads multi-touch input from /dev/input/event*
// - runs a UI once per frame and page-flips the result
//
// Code is split across:
// - main.go: cobra root, error reporting
// - run.go: wiring of display, input, frame loop, metrics and mirror
// - list.go: device listing commands
// - paint.go, raster.go: demo UI and its software rasterizer
// - scribble.go: scripted input for runs without a touch panel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kmstouch/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:          filepath.Base(os.Args[0]),
	Short:        "kmstouch touchscreen UI host on DRM/KMS and evdev",
	Long:         "kmstouch drives an immediate-mode UI directly on a Linux touchscreen panel, without a window server.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
		os.Exit(1)
	},
}

var debugFlag bool

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "debug logging and error stacks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl, AddSource: debug}))
}

// run executes fn and exits 1 with the cause chain, or the stack with
// --debug, if it fails.
func run(fn func() error) {
	if fn == nil {
		fmt.Fprintln(os.Stderr, "fatal: nil command")
		os.Exit(1)
	}
	err := fn()
	if err == nil {
		return
	}
	if stack, ok := errors.Stack(err); debugFlag && ok {
		fmt.Fprintln(os.Stderr, "\n"+stack)
	} else {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	}
	os.Exit(1)
}
