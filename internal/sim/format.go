package sim

import (
	"math"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var lang = language.English

// entrantHeader labels the interval column with the confidence it was
// computed at.
func entrantHeader(p *message.Printer, confidence float64) []string {
	if confidence <= 0 || confidence >= 1 {
		confidence = defaultConfidence
	}
	ci := p.Sprintf("%g%% CI", math.Round(confidence*1000)/10)
	return []string{"#", "Entrant", "Odds", "Wins", "Win Rate", ci, "E[Return]"}
}

// Format renders the report as two boxed tables: the batch summary and the
// per-entrant estimates.
func (r *Report) Format() string {
	p := message.NewPrinter(lang)

	keys := []string{"Field Size", "Races", "Multiplier", "Mean Ticks", "Std Ticks", "Tick Range", "Elapsed"}
	summary := map[string]string{
		"Field Size": p.Sprintf("%d", r.FieldSize),
		"Races":      p.Sprintf("%d", r.Races),
		"Multiplier": r.Multiplier.StringFixed(2) + "x",
		"Mean Ticks": p.Sprintf("%.2f", r.MeanTicks),
		"Std Ticks":  p.Sprintf("%.2f", r.StdTicks),
		"Tick Range": p.Sprintf("[%d, %d]", r.MinTicks, r.MaxTicks),
		"Elapsed":    r.Elapsed.Round(time.Millisecond).String(),
	}
	var rows [][]string
	for _, k := range keys {
		rows = append(rows, []string{k, summary[k]})
	}
	out := fmtTable("Race Simulation", nil, rows)

	rows = rows[:0]
	for _, e := range r.Entrants {
		rows = append(rows, []string{
			p.Sprintf("%d", e.ID),
			e.Name,
			e.Odds.StringFixed(2),
			p.Sprintf("%d", e.Wins),
			p.Sprintf("%.2f%%", 100*e.WinRate),
			p.Sprintf("[%.2f%%, %.2f%%]", 100*e.CI.Lo, 100*e.CI.Hi),
			p.Sprintf("%+.4f", e.ExpectedReturn),
		})
	}
	return out + fmtTable("Entrants", entrantHeader(p, r.Confidence), rows)
}

// fmtTable draws rows under an optional header, padding by display width so
// wide names stay aligned.
func fmtTable(title string, header []string, rows [][]string) string {
	cols := len(header)
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	widths := make([]int, cols)
	measure := func(row []string) {
		for i, c := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(c))
		}
	}
	measure(header)
	for _, row := range rows {
		measure(row)
	}

	inner := 0
	for _, w := range widths {
		inner += w + 3
	}
	inner--
	if tw := runewidth.StringWidth(title); tw > inner {
		widths[cols-1] += tw - inner
		inner = tw
	}

	var b strings.Builder
	top := "+" + strings.Repeat("-", inner) + "+\n"
	var div strings.Builder
	div.WriteString("+")
	for _, w := range widths {
		div.WriteString(strings.Repeat("-", w+2) + "+")
	}
	div.WriteString("\n")

	left := (inner - runewidth.StringWidth(title)) / 2
	right := inner - runewidth.StringWidth(title) - left
	b.WriteString(top)
	b.WriteString("|" + blank(left) + title + blank(right) + "|\n")
	b.WriteString(div.String())

	line := func(row []string) {
		b.WriteString("|")
		for i, w := range widths {
			c := ""
			if i < len(row) {
				c = row[i]
			}
			b.WriteString(" " + c + blank(w-runewidth.StringWidth(c)) + " |")
		}
		b.WriteString("\n")
	}
	if len(header) > 0 {
		line(header)
		b.WriteString(div.String())
	}
	for _, row := range rows {
		line(row)
	}
	b.WriteString(div.String())
	return b.String()
}

func blank(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}
