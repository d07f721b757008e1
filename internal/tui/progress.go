package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/rulesymbiosis/internal/bus"
)

type busEventMsg struct{ event bus.Event }

type subClosedMsg struct{}

// waitForEvent blocks until the next event arrives on the subscription.
func waitForEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return subClosedMsg{}
		}
		return busEventMsg{event: event}
	}
}

type progressModel struct {
	sub      *bus.Subscription
	feed     *GenerationFeed
	started  *bus.RunStartedEvent
	finished *bus.RunFinishedEvent
	patterns int
}

func newProgressModel(sub *bus.Subscription) progressModel {
	return progressModel{sub: sub, feed: NewGenerationFeed()}
}

func (m progressModel) Init() tea.Cmd {
	return waitForEvent(m.sub)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case subClosedMsg:
		return m, tea.Quit
	case busEventMsg:
		m = m.apply(msg.event)
		if m.finished != nil {
			return m, tea.Quit
		}
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

func (m progressModel) apply(ev bus.Event) progressModel {
	switch p := ev.Payload.(type) {
	case bus.RunStartedEvent:
		m.started = &p
	case bus.GenerationCompletedEvent:
		m.feed.Add(p)
	case bus.RunFinishedEvent:
		m.finished = &p
	case bus.PatternsDiscoveredEvent:
		m.patterns = p.Count
	}
	return m
}

func (m progressModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString(title.Render("Evolution") + "\n\n")
	if m.started == nil {
		b.WriteString(dim.Render("waiting for run to start...") + "\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Run: %s  population %d  budget %d\n", shortID(m.started.RunID), m.started.Population, m.started.Budget)
	if latest, ok := m.feed.Latest(); ok {
		fmt.Fprintf(&b, "Generation: %d/%d  best %.4f  hall of fame %d\n", latest.Generation, m.started.Budget, latest.BestFitness, latest.HallOfFame)
		fmt.Fprintf(&b, "Trend: %s\n\n", m.feed.Sparkline())
		b.WriteString(m.feed.View())
	}
	if m.patterns > 0 {
		fmt.Fprintf(&b, "\nPatterns discovered: %d\n", m.patterns)
	}
	if m.finished != nil {
		fmt.Fprintf(&b, "\nFinished: %s after %d generations (best %.4f)\n", m.finished.Reason, m.finished.Generations, m.finished.BestFitness)
		if m.finished.Error != "" {
			b.WriteString(errS.Render("Error: "+humanError(m.finished.Error)) + "\n")
		}
	} else {
		b.WriteString("\n" + dim.Render("Press q to detach.") + "\n")
	}
	return b.String()
}

// RunProgress renders live evolution progress from sub until the run
// finishes, the user quits, or ctx is done.
func RunProgress(ctx context.Context, sub *bus.Subscription) error {
	defer bestEffortResetTTY()
	return runProgram(ctx, tea.NewProgram(newProgressModel(sub)))
}

// FollowPlain writes one line per evolution event to w until the run
// finishes, the subscription closes, or ctx is done.
func FollowPlain(ctx context.Context, sub *bus.Subscription, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			switch p := ev.Payload.(type) {
			case bus.RunStartedEvent:
				fmt.Fprintf(w, "run %s started: population %d, budget %d\n", p.RunID, p.Population, p.Budget)
			case bus.GenerationCompletedEvent:
				fmt.Fprintf(w, "generation %d: best %.4f mean %.4f\n", p.Generation, p.BestFitness, p.MeanFitness)
			case bus.PatternsDiscoveredEvent:
				fmt.Fprintf(w, "patterns discovered: %d\n", p.Count)
			case bus.RunFinishedEvent:
				fmt.Fprintf(w, "run %s finished: %s after %d generations (best %.4f)\n", p.RunID, p.Reason, p.Generations, p.BestFitness)
				return nil
			}
		}
	}
}
