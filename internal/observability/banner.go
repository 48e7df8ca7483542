package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
	colorGreen    = "\033[32m"
	colorRed      = "\033[31m"
)

func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	return 80
}

func colored(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func PrintBanner(w io.Writer, version string) {
	banner := `
   _____           _ __
  / ___/__________(_) /_  ___
  \__ \/ ___/ ___/ / __ \/ _ \
 ___/ / /__/ /  / / /_/ /  __/
/____/\___/_/  /_/_.___/\___/
`
	width := termWidth(w)
	color := colored(w)
	lines := strings.Split(banner, "\n")
	lines = append(lines, "agentic content engine "+version, "")
	for _, l := range lines {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		if color {
			fmt.Fprintf(w, "%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
		} else {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", padding), l)
		}
	}
}

// SummaryRow is one line of a batch summary table.
type SummaryRow struct {
	Topic  string
	OK     bool
	Detail string
}

// PrintBatchSummary renders a fixed-width table sized to the terminal.
func PrintBatchSummary(w io.Writer, rows []SummaryRow) {
	width := termWidth(w)
	color := colored(w)

	topicWidth := clamp(width/3, 12, 40)
	detailWidth := clamp(width-topicWidth-12, 10, 200)

	ok := 0
	fmt.Fprintf(w, "%-*s  %-6s  %s\n", topicWidth, "TOPIC", "STATUS", "DETAIL")
	fmt.Fprintln(w, strings.Repeat("─", clamp(width, 20, topicWidth+detailWidth+10)))
	for _, r := range rows {
		status := "FAIL"
		statusColor := colorRed
		if r.OK {
			ok++
			status = "OK"
			statusColor = colorGreen
		}
		if color {
			status = statusColor + fmt.Sprintf("%-6s", status) + colorReset
		} else {
			status = fmt.Sprintf("%-6s", status)
		}
		fmt.Fprintf(w, "%-*s  %s  %s\n", topicWidth, truncate(r.Topic, topicWidth), status, truncate(oneLine(r.Detail), detailWidth))
	}
	summary := fmt.Sprintf("total %d, succeeded %d, failed %d", len(rows), ok, len(rows)-ok)
	if color {
		summary = colorBold + colorNeonMag + summary + colorReset
	}
	fmt.Fprintln(w, summary)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
