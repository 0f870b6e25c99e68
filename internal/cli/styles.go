package cli

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

// styles are bound to one output so color detection follows the writer.
type styles struct {
	name    lipgloss.Style
	self    lipgloss.Style
	pending lipgloss.Style
	acked   lipgloss.Style
	failed  lipgloss.Style
	notice  lipgloss.Style
	status  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		name:    r.NewStyle().Foreground(primary).Bold(true),
		self:    r.NewStyle().Foreground(success).Bold(true),
		pending: r.NewStyle().Foreground(muted).Italic(true),
		acked:   r.NewStyle().Foreground(success),
		failed:  r.NewStyle().Foreground(failure).Bold(true),
		notice:  r.NewStyle().Foreground(warning),
		status:  r.NewStyle().Foreground(muted),
	}
}
