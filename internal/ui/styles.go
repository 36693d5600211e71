package ui

import "github.com/charmbracelet/lipgloss"

// Color palette for the demo frontend's handshake and transfer views.
var (
	ColorPrimary   = lipgloss.Color("#7D56F4") // Purple
	ColorSecondary = lipgloss.Color("#9F7AEA") // Lighter purple
	ColorError     = lipgloss.Color("#E53E3E") // Red
	ColorSubtext   = lipgloss.Color("#A0AEC0") // Gray
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true).
			Padding(0, 1)

	CodeStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Background(lipgloss.Color("#2D3748")).
			Padding(0, 1).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	ContainerStyle = lipgloss.NewStyle().
			Padding(1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Width(60)

	// Handshake styles cover the pairing/connecting phase before a transfer
	// is Active, per spec.md §3's session lifecycle.
	HandshakeHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#00FF00")).
				Background(lipgloss.Color("#000000")).
				Bold(true).
				Padding(0, 1)

	HandshakeTextStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#00CC00")).
				Background(lipgloss.Color("#000000"))

	// Telemetry styles annotate the transferring-state speed/ETA/protocol
	// grid.
	StatLabelStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Width(12)

	StatValueStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)
)
