package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiGreen     = "\033[92m"
	ansiYellow    = "\033[93m"
	ansiUnderline = "\033[4m"
)

type bannerOptions struct {
	Version  string
	Addr     string
	StateDir string
	Sources  int
	Schedule string
}

func printBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		"  ___ _   _ _ _ _        _    ",
		" / __| |_(_) | | |_ _  _| |__ ",
		" \\__ \\ / / | | | ' \\ || | '_ \\",
		" |___/_\\_\\_|_|_|_||_\\_,_|_.__/",
	}
	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	if v := strings.TrimSpace(opts.Version); v != "" {
		fmt.Fprintln(w, center("Version: "+v, width))
	}
	if u := apiURL(opts.Addr); u != "" {
		fmt.Fprintln(w, centerWithAnsi("API: "+styleURL(u, useANSI), width))
	}
	if opts.StateDir != "" {
		fmt.Fprintln(w, center("State: "+opts.StateDir, width))
	}
	line := fmt.Sprintf("Sources: %d", opts.Sources)
	if s := strings.TrimSpace(opts.Schedule); s != "" {
		line += "  Schedule: " + s
	}
	fmt.Fprintln(w, center(line, width))
	fmt.Fprintln(w)
}

// apiURL turns a bound address into something a browser can open.
func apiURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	n := len([]rune(text))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}

func stripAnsi(s string) string {
	for _, code := range []string{ansiReset, ansiBold, ansiCyan, ansiGreen, ansiYellow, ansiUnderline} {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	n := len([]rune(stripAnsi(text)))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}
