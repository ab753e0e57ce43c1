package device

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Device states reported by `adb devices`.
const (
	StateDevice       = "device"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
)

// DeviceInfo represents a discovered device
type DeviceInfo struct {
	Serial    string `json:"serial"`
	State     string `json:"state"`
	Model     string `json:"model,omitempty"`
	Network   bool   `json:"network"`
	Connected bool   `json:"connected"`
}

// ParseDevices parses `adb devices -l` (or plain `adb devices`) output.
func ParseDevices(output string) []DeviceInfo {
	devices := []DeviceInfo{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		info := DeviceInfo{
			Serial:    parts[0],
			State:     parts[1],
			Network:   NeedsConnect(parts[0]),
			Connected: parts[1] == StateDevice,
		}
		for _, kv := range parts[2:] {
			if model, ok := strings.CutPrefix(kv, "model:"); ok {
				info.Model = model
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// ListDevices runs `adb devices -l` and parses the result.
func ListDevices(ctx context.Context, runner CommandRunner, adbPath string) ([]DeviceInfo, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	if adbPath == "" {
		adbPath = "adb"
	}
	ctx, cancel := context.WithTimeout(ctx, ADBCommandTimeout)
	defer cancel()

	out, err := runner.Run(ctx, adbPath, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return ParseDevices(string(out)), nil
}

// Prerequisite check statuses
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// PrereqCheck represents a single prerequisite check
type PrereqCheck struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Status           string   `json:"status"` // "ok", "warn", "fail"
	Details          string   `json:"details"`
	RemediationSteps []string `json:"remediationSteps,omitempty"`
}

// PrereqReport contains all prerequisite checks
type PrereqReport struct {
	OverallStatus string        `json:"overallStatus"`
	OS            string        `json:"os"`
	Checks        []PrereqCheck `json:"checks"`
	Timestamp     time.Time     `json:"timestamp"`
}

// CheckPrereqs verifies that adb runs and that a usable device is attached.
func CheckPrereqs(ctx context.Context, runner CommandRunner, adbPath, serial string) PrereqReport {
	if runner == nil {
		runner = ExecRunner{}
	}
	if adbPath == "" {
		adbPath = "adb"
	}
	report := PrereqReport{
		OS:        runtime.GOOS,
		Checks:    []PrereqCheck{},
		Timestamp: time.Now(),
	}

	adbCheck := checkADB(ctx, runner, adbPath)
	report.Checks = append(report.Checks, adbCheck)
	if adbCheck.Status == StatusFail {
		report.Checks = append(report.Checks, PrereqCheck{
			ID:      "device_connection",
			Name:    "Device Connection",
			Status:  StatusFail,
			Details: "Skipped: adb is not available",
		})
	} else {
		report.Checks = append(report.Checks, checkDeviceConnection(ctx, runner, adbPath, serial))
	}

	report.OverallStatus = StatusOK
	for _, c := range report.Checks {
		if c.Status == StatusFail {
			report.OverallStatus = StatusFail
			break
		}
		if c.Status == StatusWarn {
			report.OverallStatus = StatusWarn
		}
	}
	return report
}

func checkADB(ctx context.Context, runner CommandRunner, adbPath string) PrereqCheck {
	check := PrereqCheck{ID: "adb", Name: "Android Debug Bridge (ADB)"}

	ctx, cancel := context.WithTimeout(ctx, ADBCommandTimeout)
	defer cancel()
	out, err := runner.Run(ctx, adbPath, "version")
	if err != nil {
		check.Status = StatusFail
		check.Details = fmt.Sprintf("adb not runnable: %v", err)
		check.RemediationSteps = []string{
			"Install Android platform-tools",
			"Add adb to PATH or set adb_path in the config",
		}
		return check
	}

	check.Status = StatusOK
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	check.Details = first
	return check
}

func checkDeviceConnection(ctx context.Context, runner CommandRunner, adbPath, serial string) PrereqCheck {
	check := PrereqCheck{ID: "device_connection", Name: "Device Connection"}

	devices, err := ListDevices(ctx, runner, adbPath)
	if err != nil {
		check.Status = StatusFail
		check.Details = err.Error()
		return check
	}

	for _, d := range devices {
		if serial != "" && d.Serial != serial {
			continue
		}
		switch d.State {
		case StateDevice:
			check.Status = StatusOK
			check.Details = fmt.Sprintf("%s ready", d.Serial)
			return check
		case StateUnauthorized:
			check.Status = StatusFail
			check.Details = fmt.Sprintf("%s is unauthorized", d.Serial)
			check.RemediationSteps = []string{"Accept the USB debugging prompt on the device"}
			return check
		}
	}

	// A network serial can still be reached with adb connect.
	if serial != "" && NeedsConnect(serial) {
		check.Status = StatusWarn
		check.Details = fmt.Sprintf("%s not connected yet; adb connect will be attempted", serial)
		return check
	}
	check.Status = StatusFail
	check.Details = "No device attached"
	check.RemediationSteps = []string{
		"Start the emulator or plug in the device",
		"Enable USB debugging",
	}
	return check
}
