package tui

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/rulesymbiosis/internal/persistence"
)

type Snapshot struct {
	DBOK        bool
	Fingerprint string
	Counts      persistence.Counts
	Runs        []persistence.RunRecord
	LastError   string
	Uptime      time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	return RenderStatus(m.snap) + "\nPress q to quit.\n"
}

// RenderStatus formats a snapshot for the dashboard and for plain output.
func RenderStatus(s Snapshot) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	lastErr := s.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	fp := s.Fingerprint
	if fp == "" {
		fp = "(unknown)"
	}

	var b strings.Builder
	b.WriteString(title.Render("Rule Symbiosis Status") + "\n\n")
	fmt.Fprintf(&b, "DB OK: %t\nConfig: %s\n", s.DBOK, fp)
	fmt.Fprintf(&b, "Activations: %d\nOutcomes: %d\nInteractions: %d\nTransitions: %d\n",
		s.Counts.Activations, s.Counts.Outcomes, s.Counts.Interactions, s.Counts.Transitions)
	fmt.Fprintf(&b, "Profiles: %d\nPatterns: %d\nRuns: %d\n", s.Counts.Profiles, s.Counts.Patterns, s.Counts.Runs)
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "Uptime: %s\n", s.Uptime.Truncate(time.Second))
	}
	fmt.Fprintf(&b, "Last Error: %s\n", lastErr)

	if len(s.Runs) > 0 {
		b.WriteString("\n" + dim.Render("── Recent runs ──") + "\n")
		for _, r := range s.Runs {
			reason := r.Reason
			if reason == "" {
				reason = r.Status
			}
			fmt.Fprintf(&b, "%s  %-16s gen %3d  best %.4f\n", shortID(r.RunID), reason, r.Generations, r.BestFitness)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Interactive reports whether stdout is attached to a terminal.
func Interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	return runProgram(ctx, tea.NewProgram(m))
}

func runProgram(ctx context.Context, p *tea.Program) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	// Use /dev/tty so redirected stdin does not matter.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
