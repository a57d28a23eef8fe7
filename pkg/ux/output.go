// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the fov CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Mode selects between styled and plain output.
type Mode string

const (
	// ModeAuto is rich on a terminal and plain otherwise.
	ModeAuto Mode = "auto"
	ModeRich Mode = "rich"
	// ModePlain writes tab-separated, unstyled lines for scripts.
	ModePlain Mode = "plain"
)

// ParseMode maps a flag value to a Mode. Unknown values are auto.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRich:
		return ModeRich
	case ModePlain, "machine":
		return ModePlain
	}
	return ModeAuto
}

// Printer writes styled CLI output to one writer.
type Printer struct {
	out  io.Writer
	rich bool
}

// NewPrinter resolves mode against out. A nil out is stdout.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	if out == nil {
		out = os.Stdout
	}
	rich := mode == ModeRich
	if mode == ModeAuto || mode == "" {
		if f, ok := out.(*os.File); ok {
			rich = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &Printer{out: out, rich: rich}
}

// Rich reports whether styling is applied.
func (p *Printer) Rich() bool {
	return p.rich
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.rich {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Plain mode omits it.
func (p *Printer) Title(text string) {
	if !p.rich {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

func (p *Printer) status(tag string, icon Icon, s lipgloss.Style, text string) {
	if !p.rich {
		fmt.Fprintf(p.out, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", s.Render(string(icon)), s.Render(text))
}

// KeyValues prints aligned "key value" pairs. pairs alternates key and
// value; a trailing key without value is ignored.
func (p *Printer) KeyValues(pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		if !p.rich {
			fmt.Fprintf(p.out, "%s\t%s\n", pairs[i], pairs[i+1])
			continue
		}
		key := Styles.Key.Width(width + 2).Render(pairs[i])
		fmt.Fprintln(p.out, key+pairs[i+1])
	}
}

// Table prints rows under headers. Plain mode is tab-separated with a
// header line, so output stays parseable.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.rich {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.out, strings.Join(r, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(r[i]))
		}
	}
	line := func(cells []string, s lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = s.Width(widths[i] + 2).Render(cell)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}
	fmt.Fprintln(p.out, line(headers, Styles.Header))
	for _, r := range rows {
		fmt.Fprintln(p.out, line(r, lipgloss.NewStyle()))
	}
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	if !p.rich {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// UsageBar renders a ratio in [0,1] as a bar. The bar turns amber above
// 0.75 and red above 0.9. Plain mode is a percentage.
func (p *Printer) UsageBar(ratio float64, width int) string {
	ratio = min(max(ratio, 0), 1)
	if !p.rich {
		return fmt.Sprintf("%.0f%%", ratio*100)
	}
	filled := int(ratio * float64(width))
	s := Styles.Success
	switch {
	case ratio > 0.9:
		s = Styles.Error
	case ratio > 0.75:
		s = Styles.Warning
	}
	bar := s.Render(strings.Repeat("█", filled)) + Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, ratio*100)
}

// Muted styles secondary text.
func (p *Printer) Muted(text string) string {
	return p.style(Styles.Muted, text)
}
