package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aymnn34/calls/internal/call"
)

// CallSummary is shown after a call ends.
type CallSummary struct {
	Room         string
	Peer         string
	Duration     time.Duration
	Phase        string
	AudioPackets uint64
	VideoPackets uint64
	Bytes        uint64
	Err          error
}

// SummaryFromSnapshot fills the call fields of a summary from the final
// session state.
func SummaryFromSnapshot(s call.Snapshot) CallSummary {
	sum := CallSummary{
		Room:  s.Room,
		Peer:  s.PeerID,
		Phase: s.Phase.String(),
		Err:   s.Err,
	}
	if !s.ConnectedAt.IsZero() && s.EndedAt.After(s.ConnectedAt) {
		sum.Duration = s.EndedAt.Sub(s.ConnectedAt)
	}
	return sum
}

func CallSummaryView(s CallSummary) string {
	peer := s.Peer
	if peer == "" {
		peer = "-"
	}
	rows := [][]string{
		{"Room", s.Room},
		{"Peer", peer},
		{"Duration", FormatDuration(s.Duration)},
		{"Final state", s.Phase},
		{"Audio packets", fmt.Sprintf("%d", s.AudioPackets)},
		{"Video packets", fmt.Sprintf("%d", s.VideoPackets)},
		{"Received", FormatBytes(s.Bytes)},
	}
	if s.Err != nil {
		rows = append(rows, []string{"Error", s.Err.Error()})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Call", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func RenderCallSummary(s CallSummary) {
	fmt.Println(CallSummaryView(s))
}

func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
