package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/rulesymbiosis/internal/bus"
)

// GenerationFeed keeps the most recent generation summaries of a run.
type GenerationFeed struct {
	mu       sync.Mutex
	items    []bus.GenerationCompletedEvent
	maxItems int
}

func NewGenerationFeed() *GenerationFeed {
	return &GenerationFeed{maxItems: 10}
}

func (f *GenerationFeed) Add(ev bus.GenerationCompletedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, ev)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *GenerationFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Latest returns the newest entry, if any.
func (f *GenerationFeed) Latest() (bus.GenerationCompletedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return bus.GenerationCompletedEvent{}, false
	}
	return f.items[len(f.items)-1], true
}

// Sparkline renders best fitness across the retained generations.
func (f *GenerationFeed) Sparkline() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	const ticks = "▁▂▃▄▅▆▇█"
	runes := []rune(ticks)
	var b strings.Builder
	for _, it := range f.items {
		v := it.BestFitness
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		b.WriteRune(runes[int(v*float64(len(runes)-1)+0.5)])
	}
	return b.String()
}

func (f *GenerationFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Recent generations ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("gen %3d  best %.4f  mean %.4f  %s",
			it.Generation, it.BestFitness, it.MeanFitness, strings.Join(it.BestRules, ","))
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
