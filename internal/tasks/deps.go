package tasks

import (
	"context"
	"image"
	"log/slog"
	"time"

	"GameHelper/internal/device"
	"GameHelper/internal/vision"
)

// Finder locates named templates on a screenshot. *vision.Registry implements it.
type Finder interface {
	Locate(screen image.Image, name string, threshold float64) (vision.Match, bool, error)
}

// Deps are the collaborators shared by every task.
type Deps struct {
	Device    device.Device
	Finder    Finder
	Resources *Resources
	Logger    *slog.Logger

	LoopInterval time.Duration // pause between hybrid loop iterations
	ActionDelay  time.Duration // pause after each tap
	StepTimeout  time.Duration // how long to wait for a template to appear
	PollInterval time.Duration // screenshot rate while waiting
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Resources == nil {
		d.Resources = NewResources(d.Now)
	}
	if d.LoopInterval <= 0 {
		d.LoopInterval = 500 * time.Millisecond
	}
	if d.ActionDelay <= 0 {
		d.ActionDelay = 800 * time.Millisecond
	}
	if d.StepTimeout <= 0 {
		d.StepTimeout = 10 * time.Second
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 300 * time.Millisecond
	}
	return d
}

// screenReader captures screenshots and looks for templates on them.
type screenReader struct {
	dev       device.Device
	finder    Finder
	threshold float64
}

func (r screenReader) capture(ctx context.Context) (image.Image, error) {
	return r.dev.Screenshot(ctx)
}

func (r screenReader) find(screen image.Image, name string) (vision.Match, bool, error) {
	return r.finder.Locate(screen, name, r.threshold)
}

// tap taps a random point of the match so repeated taps vary.
func (r screenReader) tap(ctx context.Context, m vision.Match) error {
	return device.TapArea(ctx, r.dev, m.Rect)
}
