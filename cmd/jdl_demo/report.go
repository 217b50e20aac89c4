package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/jdl/pkg/jdl"
	"github.com/gomlx/jdl/pkg/tilegraph"
	"github.com/muesli/termenv"
)

var (
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func init() {
	if termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func newSummaryTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle.Align(lipgloss.Right)
			}
			return valueStyle.Align(lipgloss.Left)
		})
}

// report prints a summary of the run.
func report(g *tilegraph.Graph, e *tilegraph.Engine, progs jdl.Programs, lookups, verified int, elapsed time.Duration) {
	p := progs.Participants
	stats := e.Stats()
	table := newSummaryTable()
	table.Row("target", g.Target().String())
	table.Row("senders", fmt.Sprintf("%d tiles, %v", p.NumSenders(), p.Senders))
	table.Row("receiver", fmt.Sprintf("tile %d (%s used)", p.Receiver, humanize.IBytes(uint64(e.TileMemoryUsed(p.Receiver)))))
	table.Row("lookups", humanize.Comma(int64(lookups)))
	if verified > 0 {
		table.Row("verified", humanize.Comma(int64(verified)))
	}
	table.Row("passes", humanize.Comma(stats.Passes))
	table.Row("syncs", humanize.Comma(stats.Syncs))
	table.Row("delivered", humanize.Comma(stats.Delivered))
	table.Row("suppressed sends", humanize.Comma(stats.Suppressed))
	table.Row("unmatched listens", humanize.Comma(stats.Unmatched))
	table.Row("exchanged", humanize.IBytes(uint64(stats.BytesExchanged)))
	table.Row("elapsed", elapsed.Round(time.Microsecond).String())
	fmt.Println(titleStyle.Render("JIT Dynamic Lookup"))
	fmt.Println(table.Render())
}
