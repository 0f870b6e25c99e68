package cli

import (
	"fmt"
	"html"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/weiawesome/wes-io-live-relay/internal/chatclient"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

// TerminalRenderer prints chat activity line by line.
type TerminalRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	st      styles
	self    string
	pending map[string]string
}

// NewTerminalRenderer writes to out. self is the local username.
func NewTerminalRenderer(out io.Writer, self string) *TerminalRenderer {
	return &TerminalRenderer{
		out:     out,
		st:      newStyles(lipgloss.NewRenderer(out)),
		self:    self,
		pending: make(map[string]string),
	}
}

var _ chatclient.Renderer = (*TerminalRenderer)(nil)

func (r *TerminalRenderer) State(s chatclient.State) {
	r.println(r.st.status.Render("[" + s.String() + "]"))
}

func (r *TerminalRenderer) Pending(tempID, text string) {
	r.mu.Lock()
	r.pending[tempID] = text
	r.mu.Unlock()
	r.println(r.st.pending.Render("… " + text))
}

func (r *TerminalRenderer) Confirmed(tempID, _ string) {
	r.mu.Lock()
	text := r.pending[tempID]
	delete(r.pending, tempID)
	r.mu.Unlock()
	r.println(r.st.self.Render(r.label()) + " " + text + " " + r.st.acked.Render("✓"))
}

func (r *TerminalRenderer) Failed(tempID, text, reason string) {
	r.mu.Lock()
	delete(r.pending, tempID)
	r.mu.Unlock()
	r.println(r.st.failed.Render("✗ "+text) + " " + r.st.status.Render("("+reason+")"))
}

func (r *TerminalRenderer) Message(msg domain.ChatMessage) {
	ts := msg.Time().Format(time.TimeOnly)
	r.println(fmt.Sprintf("%s %s %s", r.st.status.Render(ts), r.st.name.Render(msg.Username+":"), html.UnescapeString(msg.Text)))
}

func (r *TerminalRenderer) Notice(text string) {
	r.println(r.st.notice.Render("! " + text))
}

// Info prints a plain status line.
func (r *TerminalRenderer) Info(text string) {
	r.println(r.st.status.Render(text))
}

func (r *TerminalRenderer) label() string {
	if r.self == "" {
		return "me:"
	}
	return r.self + ":"
}

func (r *TerminalRenderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}
