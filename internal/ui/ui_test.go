package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRender_PlainWithoutColour(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	for name, render := range map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
	} {
		if got := render("x"); got != "x" {
			t.Errorf("%s: Render(x) = %q, want plain x", name, got)
		}
	}
}
