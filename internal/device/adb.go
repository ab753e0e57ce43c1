// Package device drives an Android device or emulator over ADB: screenshots,
// taps, swipes and connection management.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ADBCommandTimeout is the timeout for a single ADB command
	ADBCommandTimeout = 10 * time.Second
	// ADBConnectTimeout is the timeout for adb connect
	ADBConnectTimeout = 10 * time.Second
)

var (
	ErrNoDevice     = errors.New("no ADB device available")
	ErrUnauthorized = errors.New("device unauthorized: allow USB debugging on the device")
	ErrNotConnected = errors.New("device not connected")
)

// Device is what tasks need from a device: capture the screen and send input.
type Device interface {
	Screenshot(ctx context.Context) (image.Image, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
}

// CommandRunner executes an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Options configures an ADB device.
type Options struct {
	Path       string        // adb executable, default "adb"
	Serial     string        // empty: auto-detect
	Timeout    time.Duration // per command
	Retries    int           // connection attempts
	RetryDelay time.Duration
	Logger     *slog.Logger
	Runner     CommandRunner
}

// ADB controls one device through the adb binary.
type ADB struct {
	path       string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	runner     CommandRunner

	mu        sync.Mutex
	serial    string
	width     int
	height    int
	connected bool
}

// NewADB creates an unconnected device. Call Connect before sending input.
func NewADB(opts Options) *ADB {
	if opts.Path == "" {
		opts.Path = "adb"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = ADBCommandTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return &ADB{
		path:       opts.Path,
		serial:     opts.Serial,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		runner:     opts.Runner,
	}
}

// Serial returns the serial in use (auto-detected after Connect if none was given).
func (a *ADB) Serial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serial
}

// Connected reports whether Connect succeeded.
func (a *ADB) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect resolves the serial, runs adb connect for network serials, and checks the
// device state, retrying a few times.
func (a *ADB) Connect(ctx context.Context) error {
	serial := a.Serial()
	if serial == "" {
		detected, err := a.autoDetect(ctx)
		if err != nil {
			return err
		}
		serial = detected
		a.mu.Lock()
		a.serial = serial
		a.mu.Unlock()
	}

	var lastErr error
	for attempt := 1; attempt <= a.retries; attempt++ {
		a.logger.Info("[ADB] Connect: connecting", "serial", serial, "attempt", attempt)

		lastErr = a.tryConnect(ctx, serial)
		if lastErr == nil {
			a.mu.Lock()
			a.connected = true
			a.mu.Unlock()
			if _, _, err := a.ScreenSize(ctx); err != nil {
				a.logger.Warn("[ADB] Connect: could not read screen size", "serial", serial, "err", err)
			}
			a.logger.Info("[ADB] Connect: connected", "serial", serial)
			return nil
		}
		if errors.Is(lastErr, ErrUnauthorized) {
			break
		}
		a.logger.Warn("[ADB] Connect: attempt failed", "serial", serial, "attempt", attempt, "err", lastErr)

		if attempt < a.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}
	}
	return fmt.Errorf("failed to connect to %s: %w", serial, lastErr)
}

func (a *ADB) tryConnect(ctx context.Context, serial string) error {
	if NeedsConnect(serial) {
		if err := a.adbConnect(ctx, serial); err != nil {
			return err
		}
	}

	devices, err := ListDevices(ctx, a.runner, a.path)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Serial != serial {
			continue
		}
		switch d.State {
		case StateDevice:
			return nil
		case StateOffline:
			a.logger.Warn("[ADB] tryConnect: device offline, reconnecting", "serial", serial)
			a.adbDisconnect(ctx, serial)
			if NeedsConnect(serial) {
				return a.adbConnect(ctx, serial)
			}
			return fmt.Errorf("device %s is offline", serial)
		case StateUnauthorized:
			return fmt.Errorf("%s: %w", serial, ErrUnauthorized)
		default:
			return fmt.Errorf("device %s in unexpected state %q", serial, d.State)
		}
	}
	return fmt.Errorf("device %s not found", serial)
}

func (a *ADB) adbConnect(ctx context.Context, serial string) error {
	ctx, cancel := context.WithTimeout(ctx, ADBConnectTimeout)
	defer cancel()

	out, err := a.runner.Run(ctx, a.path, "connect", serial)
	if err != nil {
		return fmt.Errorf("adb connect %s: %w", serial, err)
	}
	result := strings.ToLower(string(out))
	switch {
	case strings.Contains(result, "already connected"), strings.Contains(result, "connected to"):
		return nil
	case strings.Contains(result, "(10061)"), strings.Contains(result, "refused"):
		return fmt.Errorf("connection refused by %s: is the emulator running?", serial)
	default:
		return fmt.Errorf("adb connect %s: %s", serial, strings.TrimSpace(string(out)))
	}
}

func (a *ADB) adbDisconnect(ctx context.Context, serial string) {
	if !NeedsConnect(serial) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := a.runner.Run(ctx, a.path, "disconnect", serial); err != nil {
		a.logger.Debug("[ADB] adbDisconnect: ignored error", "serial", serial, "err", err)
	}
}

// autoDetect picks the first ready device; several attached devices are logged.
func (a *ADB) autoDetect(ctx context.Context) (string, error) {
	devices, err := ListDevices(ctx, a.runner, a.path)
	if err != nil {
		return "", err
	}
	var ready []string
	for _, d := range devices {
		if d.State == StateDevice {
			ready = append(ready, d.Serial)
		}
	}
	switch len(ready) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return ready[0], nil
	default:
		a.logger.Warn("[ADB] autoDetect: several devices attached, using the first; set a serial to choose", "devices", ready)
		return ready[0], nil
	}
}

// Disconnect drops a network connection and marks the device disconnected.
func (a *ADB) Disconnect(ctx context.Context) {
	serial := a.Serial()
	a.adbDisconnect(ctx, serial)
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.logger.Info("[ADB] Disconnect: disconnected", "serial", serial)
}

// exec runs an adb command against the selected device.
func (a *ADB) exec(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if serial := a.Serial(); serial != "" {
		args = append([]string{"-s", serial}, args...)
	}
	return a.runner.Run(ctx, a.path, args...)
}

func (a *ADB) requireConnected() error {
	if !a.Connected() {
		return ErrNotConnected
	}
	return nil
}

var wmSizePattern = regexp.MustCompile(`(?:Override|Physical) size:\s*(\d+)x(\d+)`)

// parseWMSize reads `wm size` output, preferring an override size over the physical one.
func parseWMSize(output string) (int, int, error) {
	var width, height int
	found := false
	for _, m := range wmSizePattern.FindAllStringSubmatch(output, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		width, height, found = w, h, true
		if strings.HasPrefix(m[0], "Override") {
			break
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("unexpected wm size output %q", strings.TrimSpace(output))
	}
	return width, height, nil
}

// ScreenSize returns the cached screen size, querying the device on first use.
func (a *ADB) ScreenSize(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	w, h := a.width, a.height
	a.mu.Unlock()
	if w > 0 && h > 0 {
		return w, h, nil
	}

	out, err := a.exec(ctx, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	w, h, err = parseWMSize(string(out))
	if err != nil {
		return 0, 0, err
	}
	a.mu.Lock()
	a.width, a.height = w, h
	a.mu.Unlock()
	return w, h, nil
}

// Screenshot captures the screen as a PNG over exec-out and decodes it.
func (a *ADB) Screenshot(ctx context.Context) (image.Image, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	out, err := a.exec(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot (%d bytes): %w", len(out), err)
	}
	return img, nil
}

// Tap sends a tap at (x, y).
func (a *ADB) Tap(ctx context.Context, x, y int) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	_, err := a.exec(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	if err != nil {
		return fmt.Errorf("tap (%d,%d) failed: %w", x, y, err)
	}
	return nil
}

// Swipe drags from (x1, y1) to (x2, y2) over duration.
func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	_, err := a.exec(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(duration.Milliseconds(), 10))
	if err != nil {
		return fmt.Errorf("swipe (%d,%d)->(%d,%d) failed: %w", x1, y1, x2, y2, err)
	}
	return nil
}

// LongPress holds at (x, y) for duration.
func (a *ADB) LongPress(ctx context.Context, x, y int, duration time.Duration) error {
	return a.Swipe(ctx, x, y, x, y, duration)
}

// StartApp launches an activity component such as com.example/.MainActivity.
func (a *ADB) StartApp(ctx context.Context, component string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	_, err := a.exec(ctx, "shell", "am", "start", "-n", component)
	return err
}

// StopApp force-stops a package.
func (a *ADB) StopApp(ctx context.Context, pkg string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	_, err := a.exec(ctx, "shell", "am", "force-stop", pkg)
	return err
}

// TapArea taps a random point inside rect so repeated taps do not land on one pixel.
func TapArea(ctx context.Context, d Device, rect image.Rectangle) error {
	if rect.Empty() {
		return fmt.Errorf("empty tap area %v", rect)
	}
	x := rect.Min.X + rand.IntN(rect.Dx())
	y := rect.Min.Y + rand.IntN(rect.Dy())
	return d.Tap(ctx, x, y)
}

var networkSerialPattern = regexp.MustCompile(`^[\w.-]+:\d+$`)

// NeedsConnect reports whether serial is a host:port network device that requires adb connect.
func NeedsConnect(serial string) bool {
	if strings.HasPrefix(serial, "emulator-") {
		return false
	}
	return networkSerialPattern.MatchString(serial)
}
