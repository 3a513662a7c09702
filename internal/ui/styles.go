// Package ui renders terminal output for the hd CLI.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// ANSI256 color codes.
const (
	colorAccent   = 74  // blue
	colorMuted    = 245 // medium gray
	colorResolved = 108 // sage
	colorWarn     = 179 // amber
)

var activityColors = map[model.ActivityType]int{
	model.ActivityViewing:    colorAccent,
	model.ActivityEditing:    colorWarn,
	model.ActivityCommenting: colorResolved,
	model.ActivityIdle:       colorMuted,
}

var noColor bool

// SetColor enables or disables color output globally.
func SetColor(enabled bool) {
	noColor = !enabled
}

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderWarn returns s in the warning (amber) color.
func RenderWarn(s string) string { return paint(colorWarn, s) }

// RenderActivity colors an activity name by kind.
func RenderActivity(a model.ActivityType) string {
	code, ok := activityColors[a]
	if !ok {
		code = colorMuted
	}
	return paint(code, string(a))
}

// RenderResolved renders a comment's resolved state as a short badge.
func RenderResolved(resolved bool) string {
	if resolved {
		return paint(colorResolved, "resolved")
	}
	return paint(colorWarn, "open")
}

// RenderUser renders name in the participant's avatar color, given as
// #RRGGBB. Malformed colors fall back to plain text.
func RenderUser(name, hex string) string {
	if noColor {
		return name
	}
	r, g, b, ok := parseHex(hex)
	if !ok {
		return name
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm%s\x1b[0m", r, g, b, name)
}

func parseHex(hex string) (r, g, b uint8, ok bool) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), true
}
