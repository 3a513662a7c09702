package ui

import (
	"testing"

	"github.com/alfredjeanlab/huddle/internal/model"
)

func TestRenderUser(t *testing.T) {
	SetColor(true)
	t.Cleanup(func() { SetColor(true) })

	for _, tc := range []struct {
		name, hex, want string
	}{
		{"alice", "#4ECDC4", "\x1b[38;2;78;205;196malice\x1b[0m"},
		{"bob", "FF0000", "\x1b[38;2;255;0;0mbob\x1b[0m"},
		{"carol", "#zzzzzz", "carol"},
		{"dave", "", "dave"},
	} {
		if got := RenderUser(tc.name, tc.hex); got != tc.want {
			t.Errorf("RenderUser(%q, %q) = %q, want %q", tc.name, tc.hex, got, tc.want)
		}
	}
}

func TestNoColor(t *testing.T) {
	SetColor(false)
	t.Cleanup(func() { SetColor(true) })

	if got := RenderUser("alice", "#4ECDC4"); got != "alice" {
		t.Errorf("expected plain name, got %q", got)
	}
	if got := RenderActivity(model.ActivityEditing); got != "editing" {
		t.Errorf("expected plain activity, got %q", got)
	}
	if got := RenderResolved(true); got != "resolved" {
		t.Errorf("expected plain badge, got %q", got)
	}
}

func TestShouldUseColor_Env(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ShouldUseColor() {
		t.Fatal("NO_COLOR must win over CLICOLOR_FORCE")
	}
	t.Setenv("NO_COLOR", "")
	if !ShouldUseColor() {
		t.Fatal("CLICOLOR_FORCE=1 should force color")
	}
}
