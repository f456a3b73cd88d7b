// Package picker implements the interactive device selector shown when
// no root device is configured on the command line or in the config
// file.
package picker

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"chroot-tool/device"
	"chroot-tool/util"
)

// DevicePicker presents candidate block devices in a tview list
type DevicePicker struct {
	app    *tview.Application
	screen tcell.Screen // Optional injected screen (for testing)

	selected  string
	cancelled bool
}

// NewDevicePicker creates a new picker
func NewDevicePicker() *DevicePicker {
	return &DevicePicker{}
}

// SetScreen injects a custom tcell.Screen for testing purposes
// Must be called before Pick()
func (p *DevicePicker) SetScreen(screen tcell.Screen) {
	p.screen = screen
}

// Pick blocks until the user selects a device or cancels. It returns
// the selected device path, or "" when the user backed out.
func (p *DevicePicker) Pick(candidates []device.Info) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate block devices found")
	}

	p.app = tview.NewApplication()
	if p.screen != nil {
		p.app.SetScreen(p.screen)
	}
	p.selected = ""
	p.cancelled = false

	list := tview.NewList().ShowSecondaryText(true)
	list.SetBorder(true).SetTitle(" Select Root Device ").SetTitleAlign(tview.AlignLeft)

	for _, cand := range candidates {
		cand := cand
		secondary := describeCandidate(cand)
		list.AddItem(cand.Path, secondary, 0, func() {
			p.selected = cand.Path
			p.app.Stop()
		})
	}

	list.SetDoneFunc(func() {
		p.cancelled = true
		p.app.Stop()
	})

	p.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC, tcell.KeyEscape:
			p.cancelled = true
			p.app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' || event.Rune() == 'Q' {
				p.cancelled = true
				p.app.Stop()
				return nil
			}
		}
		return event
	})

	if err := p.app.SetRoot(list, true).Run(); err != nil {
		return "", fmt.Errorf("device picker failed: %w", err)
	}
	if p.cancelled {
		return "", nil
	}
	return p.selected, nil
}

// describeCandidate builds the secondary line shown under each device
func describeCandidate(d device.Info) string {
	size := d.Size
	if size == "" && d.SizeBytes > 0 {
		size = util.FormatBytes(d.SizeBytes)
	}
	fs := d.Filesystem.String()
	if fs == "unknown" {
		fs = "no filesystem detected"
	}
	desc := fmt.Sprintf("  %s, %s", size, fs)
	if d.MountPoint != "" {
		desc += fmt.Sprintf(" (mounted on %s)", d.MountPoint)
	}
	return desc
}

// Confirm shows a yes/no modal and returns the user's choice.
func Confirm(question string, defaultYes bool) (bool, error) {
	return confirmOnScreen(nil, question, defaultYes)
}

func confirmOnScreen(screen tcell.Screen, question string, defaultYes bool) (bool, error) {
	app := tview.NewApplication()
	if screen != nil {
		app.SetScreen(screen)
	}
	answer := defaultYes

	modal := tview.NewModal().
		SetText(question).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			answer = buttonLabel == "Yes"
			app.Stop()
		})

	if err := app.SetRoot(modal, true).Run(); err != nil {
		return defaultYes, fmt.Errorf("confirm dialog failed: %w", err)
	}
	return answer, nil
}
