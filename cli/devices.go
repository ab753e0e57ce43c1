package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"GameHelper/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached devices and check adb prerequisites",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runner := device.ExecRunner{}
		report := device.CheckPrereqs(cmd.Context(), runner, cfg.Device.ADBPath, cfg.Device.Serial)
		devices, listErr := device.ListDevices(cmd.Context(), runner, cfg.Device.ADBPath)

		if rootFlags.jsonOutput {
			r := NewJSONReporter(os.Stdout)
			r.emit("prereqs", report)
			if listErr == nil {
				r.emit("devices", devices)
			}
		} else {
			printDevices(os.Stdout, report, devices)
		}

		if report.OverallStatus == device.StatusFail {
			return fmt.Errorf("prerequisites not met")
		}
		return listErr
	},
}

func printDevices(out io.Writer, report device.PrereqReport, devices []device.DeviceInfo) {
	fmt.Fprintf(out, "Prerequisites (%s): %s\n", report.OS, report.OverallStatus)
	for _, check := range report.Checks {
		fmt.Fprintf(out, "  [%s] %s: %s\n", check.Status, check.Name, check.Details)
		for _, step := range check.RemediationSteps {
			fmt.Fprintf(out, "      - %s\n", step)
		}
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices attached")
		return
	}
	fmt.Fprintln(out, "Devices:")
	for _, d := range devices {
		model := d.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(out, "  %-24s %-13s %s\n", d.Serial, d.State, model)
	}
}
