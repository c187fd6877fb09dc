package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary = lipgloss.Color("#22d3ee")
	Success = lipgloss.Color("#10B981")
	Warning = lipgloss.Color("#F59E0B")
	Error   = lipgloss.Color("#EF4444")
	Muted   = lipgloss.Color("#6B7280")
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)
)

func PrintTitle(text string) {
	fmt.Println(TitleStyle.Render(text))
}

func PrintSuccess(text string) {
	fmt.Println(SuccessStyle.Render("✓ " + text))
}

func PrintError(text string) {
	fmt.Println(ErrorStyle.Render("✗ " + text))
}

func PrintInfo(text string) {
	fmt.Println(MutedStyle.Render(text))
}
