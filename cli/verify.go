package main

import (
	"fmt"
	"image/png"
	"io"
	"os"

	"github.com/spf13/cobra"

	"GameHelper/internal/tasks"
	"GameHelper/internal/vision"
)

var verifyFlags struct {
	screenshot string
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every required template is present and, optionally, which ones match a screenshot",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		registry := vision.NewRegistry(vision.NewMatcher(cfg.Vision.Stride), logger)
		if _, err := registry.LoadDir(cfg.Vision.TemplateDir); err != nil {
			return err
		}
		result := verifyTemplates(registry)

		if verifyFlags.screenshot != "" {
			if err := matchScreenshot(registry, verifyFlags.screenshot, &result); err != nil {
				return err
			}
		}

		if rootFlags.jsonOutput {
			NewJSONReporter(os.Stdout).emit("verify_complete", result)
		} else {
			printVerify(os.Stdout, result)
		}
		if len(result.Missing) > 0 {
			return fmt.Errorf("%d required template(s) missing", len(result.Missing))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFlags.screenshot, "screenshot", "", "PNG screenshot to match every template against")
}

// VerifyResult is the outcome of the verify command
type VerifyResult struct {
	Loaded  []string           `json:"loaded"`
	Missing []string           `json:"missing"`
	Matches map[string]float64 `json:"matches,omitempty"` // template -> confidence, found ones only
}

func verifyTemplates(registry *vision.Registry) VerifyResult {
	return VerifyResult{
		Loaded:  registry.Names(),
		Missing: missingTemplates(registry),
	}
}

func matchScreenshot(registry *vision.Registry, path string, result *VerifyResult) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	screen, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}

	result.Matches = make(map[string]float64)
	for _, name := range registry.Names() {
		m, ok, err := registry.Find(screen, name)
		if err != nil {
			return err
		}
		if ok {
			result.Matches[name] = m.Confidence
		}
	}
	return nil
}

func printVerify(out io.Writer, result VerifyResult) {
	fmt.Fprintf(out, "Templates loaded: %d\n", len(result.Loaded))
	if len(result.Missing) > 0 {
		fmt.Fprintln(out, "Missing:")
		for _, name := range result.Missing {
			fmt.Fprintf(out, "  - %s\n", name)
		}
	}
	if result.Matches != nil {
		fmt.Fprintf(out, "Matched on screenshot: %d\n", len(result.Matches))
		for _, name := range result.Loaded {
			if c, ok := result.Matches[name]; ok {
				fmt.Fprintf(out, "  %-20s %.3f\n", name, c)
			}
		}
	}
}
