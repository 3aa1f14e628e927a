package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Semantic colors. Kept to four: states are either fine, in flight,
// wedged, or background noise.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "63", Dark: "111"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "78"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "203"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "241"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// plain is true when the output target cannot render ANSI styling.
var plain = !ShouldUseColor() || termenv.ColorProfile() == termenv.Ascii

func render(s lipgloss.Style, text string) string {
	if plain {
		return text
	}
	return s.Render(text)
}

// RenderAccent styles headline text.
func RenderAccent(text string) string { return render(accentStyle, text) }

// RenderPass styles healthy counts and terminal successes.
func RenderPass(text string) string { return render(passStyle, text) }

// RenderWarn styles in-flight or waiting states.
func RenderWarn(text string) string { return render(warnStyle, text) }

// RenderFail styles blocked and failed states.
func RenderFail(text string) string { return render(failStyle, text) }

// RenderMuted styles secondary detail.
func RenderMuted(text string) string { return render(mutedStyle, text) }
