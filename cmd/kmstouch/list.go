package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/kms"
)

func init() {
	listModesCmd.Flags().StringVar(&listCard, "card", "", `DRM device; empty auto-detects, "memory" lists the headless display`)
	rootCmd.AddCommand(listDevicesCmd, listModesCmd)
}

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "list input devices and the touchscreen auto-detection would pick",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		run(listDevicesFunc)
	},
}

func listDevicesFunc() error {
	picked, err := evdev.FindTouchscreen("")
	if err != nil && !errors.Is(err, evdev.ErrNoTouchDevice) {
		return err
	}
	for _, d := range evdev.ListDevices() {
		mark := " "
		if d.Path != "" && d.Path == picked {
			mark = "*"
		}
		fmt.Printf("%s name=%q path=%s handlers=%v\n", mark, d.Name, d.Path, d.Handlers)
	}
	if picked == "" {
		fmt.Println("no touchscreen detected")
	}
	return nil
}

var listCard string

var listModesCmd = &cobra.Command{
	Use:   "list-modes",
	Short: "list connectors, their modes and compatible CRTCs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		run(func() error { return listModesFunc(listCard) })
	},
}

func listModesFunc(card string) error {
	dev, err := openDisplay(card)
	if err != nil {
		return err
	}
	defer dev.Close()
	return writeModes(os.Stdout, dev)
}

func writeModes(w io.Writer, dev kms.Device) error {
	res, err := dev.Resources()
	if err != nil {
		return errors.Step(kms.ErrDeviceOpen, "get resources on "+dev.Name(), err)
	}
	fmt.Fprintf(w, "%s: %d connectors, %d encoders, %d crtcs %v\n",
		dev.Name(), len(res.Connectors), len(res.Encoders), len(res.Crtcs), res.Crtcs)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, id := range res.Connectors {
		conn, err := dev.Connector(id)
		if err != nil {
			fmt.Fprintf(tw, "connector %d\terror: %v\n", id, err)
			continue
		}
		var crtcs []string
		for _, encID := range conn.Encoders {
			enc, err := dev.Encoder(encID)
			if err != nil {
				continue
			}
			for i, c := range res.Crtcs {
				if enc.Drives(i) {
					crtcs = append(crtcs, fmt.Sprintf("%d(enc %d)", c, encID))
				}
			}
		}
		fmt.Fprintf(tw, "connector %d\t%s\tcrtcs: %s\n", conn.ID, conn.State, strings.Join(crtcs, " "))
		for i, m := range conn.Modes {
			flags := ""
			if i == 0 {
				flags += " first"
			}
			if m.Preferred {
				flags += " preferred"
			}
			fmt.Fprintf(tw, "\t%s\t%q%s\n", m, m.Name, flags)
		}
	}
	return nil
}
