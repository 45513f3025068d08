package ui

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Setting is one resolved configuration value and where it came from.
type Setting struct {
	Name   string
	Value  string
	Source string
}

// RenderSettings writes settings as a table to w.
func RenderSettings(w io.Writer, settings []Setting) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.SetTitle("calls configuration")
	t.AppendHeader(table.Row{"Setting", "Value", "Source"})
	for _, s := range settings {
		value := s.Value
		if value == "" {
			value = "-"
		}
		t.AppendRow(table.Row{s.Name, value, s.Source})
	}
	t.Render()
}
