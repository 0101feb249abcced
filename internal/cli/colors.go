package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
)

// RGB represents a TrueColor
type RGB struct {
	R, G, B float64
}

var (
	BrandBlue   = RGB{0, 51, 204}
	BrandPurple = RGB{189, 52, 235}
)

// disableColor is a cached check for the environment variable
var disableColor = checkNoColor()

func checkNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// Style wraps text in a specific color code
func Style(text string, colorCode string) string {
	if disableColor {
		return text
	}
	return colorCode + text + Reset
}

// ColorizeRGB returns text wrapped in ANSI TrueColor escape codes
func ColorizeRGB(text string, c RGB) string {
	if disableColor {
		return text
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s%s", int(c.R), int(c.G), int(c.B), text, Reset)
}

// Gradient colors text with the linear interpolation of start and end at
// progress (0.0 to 1.0).
func Gradient(text string, start, end RGB, progress float64) string {
	r := start.R + (end.R-start.R)*progress
	g := start.G + (end.G-start.G)*progress
	b := start.B + (end.B-start.B)*progress
	return ColorizeRGB(text, RGB{r, g, b})
}

func CheckMark() string {
	return Style("✔", Green)
}

func Arrow() string {
	return Style("➜", Blue)
}

func CrossMark() string {
	return Style("✘", Red)
}

// Banner writes the title in a brand gradient followed by one arrow line
// per entry.
func Banner(w io.Writer, title string, lines ...string) {
	var sb strings.Builder
	runes := []rune(title)
	for i, r := range runes {
		progress := 0.0
		if len(runes) > 1 {
			progress = float64(i) / float64(len(runes)-1)
		}
		sb.WriteString(Gradient(string(r), BrandBlue, BrandPurple, progress))
	}
	_, _ = fmt.Fprintf(w, "\n  %s\n\n", Style(sb.String(), Bold))
	for _, line := range lines {
		_, _ = fmt.Fprintf(w, "  %s %s\n", Arrow(), line)
	}
	_, _ = fmt.Fprintln(w)
}
