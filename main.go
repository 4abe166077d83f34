// RFT: resumable file transfer.
// A line-oriented command server whose downloads and uploads survive a
// dropped connection and resume at the last acknowledged byte.
//
// Build:   go build -o rft .
// Usage:   rft serve --root ./files
//
//	rft connect --host 10.0.0.5          (interactive)
//	rft download report.pdf --host 10.0.0.5
//	rft upload video.mp4 --udp
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rft/client"
	"rft/server"
	"rft/transfer"
)

// ─────────────────────────────────────────────────────────────────────────────
// DEFAULTS
// ─────────────────────────────────────────────────────────────────────────────

const (
	defaultPort = 9900
	defaultHost = "127.0.0.1"
)

func newLogger(verbose bool, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(level)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// ─────────────────────────────────────────────────────────────────────────────
// PROGRESS BAR
// ─────────────────────────────────────────────────────────────────────────────

// Progress draws a transfer on stderr. The engine calls it from the
// goroutine running the transfer.
type Progress struct {
	quiet bool
	label string
	total int64
	done  int64
	t0    time.Time
	last  time.Time
}

func (p *Progress) OnStart(st transfer.State) {
	label := filepath.Base(st.FileName)
	if len(label) > 20 {
		label = label[len(label)-20:]
	}
	p.label = label
	p.total = max64(st.FileLength, 1)
	p.done = 0
	p.t0 = time.Now()
	p.last = time.Time{}
}

func (p *Progress) OnProgress(st transfer.State) {
	p.done = st.Transferred
	if time.Since(p.last) >= 150*time.Millisecond || p.done >= p.total {
		p.last = time.Now()
		p.draw()
	}
}

func (p *Progress) OnRecover(st transfer.State) {
	p.done = st.Transferred
	if !p.quiet {
		fmt.Fprintf(os.Stderr, "\n  !! connection lost, resumed at %s (recovery %d)\n",
			strings.TrimSpace(fmtSize(float64(st.Transferred))), st.Recoveries)
	}
}

func (p *Progress) OnFinish(st transfer.State, err error) {
	if p.t0.IsZero() {
		return
	}
	if err == nil {
		p.done = p.total
	}
	p.draw()
	if !p.quiet {
		fmt.Fprintln(os.Stderr)
	}
	p.t0 = time.Time{}
}

func (p *Progress) draw() {
	if p.quiet {
		return
	}
	pct := float64(p.done) / float64(p.total)
	width := 28
	filled := int(pct * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	dt := time.Since(p.t0).Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(p.done) / dt
	}
	var eta float64
	if speed > 0 {
		eta = float64(p.total-p.done) / speed
	}
	fmt.Fprintf(os.Stderr, "\r  %-20s [%s] %5.1f%%  %s/s  ETA %s",
		p.label, bar, pct*100, fmtSize(speed), fmtTime(eta))
}

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

func fmtTime(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%dm%02ds", int(s)/60, int(s)%60)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ─────────────────────────────────────────────────────────────────────────────
// SERVER MODE
// ─────────────────────────────────────────────────────────────────────────────

func runServer(cfg server.Config, log *logrus.Logger) {
	srv, err := server.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()
	srv.AddObserver(&Progress{})

	udp := "off"
	if a := srv.UDPAddr(); a != nil {
		udp = a.String()
	}
	root, _ := filepath.Abs(cfg.Root)
	fmt.Printf("RFT  |  tcp %s  |  udp %s  |  serving %s\n", srv.Addr(), udp, root)
	fmt.Println("Waiting for clients... (Ctrl-C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server stopped: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nBye.")
}

// ─────────────────────────────────────────────────────────────────────────────
// CLIENT
// ─────────────────────────────────────────────────────────────────────────────

const replHelp = `
Local commands:
  download <name.ext>        Fetch a file over the control connection
  upload <name.ext>          Send a file over the control connection
  download_udp <name.ext>    Same, over a reliable UDP session
  upload_udp <name.ext>
  quiet                      Toggle the progress bar
  exit | quit | close        End the session
Anything else is sent to the server as is (try: echo, time, history, help).
`

func doTransfer(c *client.Client, cmd, name string) bool {
	udp := strings.HasSuffix(cmd, "_udp")
	t0 := time.Now()

	var res client.Result
	var err error
	if strings.HasPrefix(cmd, "download") {
		res, err = c.Download(name, udp)
	} else {
		res, err = c.Upload(name, udp)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "  !! %s %s: %v\n", cmd, name, err)
		return false
	}
	if !res.OK {
		fmt.Printf("  %s\n", res.Reply)
		return false
	}

	dt := time.Since(t0).Seconds()
	speed := float64(res.State.Transferred) / max(dt, 1e-3)
	suffix := ""
	if res.State.Recoveries > 0 {
		suffix = fmt.Sprintf("  [%d recoveries]", res.State.Recoveries)
	}
	fmt.Printf("  OK %s  %s in %s  (%s/s avg)%s\n", res.Reply,
		strings.TrimSpace(fmtSize(float64(res.State.Transferred))), fmtTime(dt),
		strings.TrimSpace(fmtSize(speed)), suffix)
	return true
}

func isTransfer(cmd string) bool {
	switch cmd {
	case "download", "upload", "download_udp", "upload_udp":
		return true
	}
	return false
}

func runClient(cfg client.Config, log *logrus.Logger) {
	c, err := client.Dial(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot connect: %v\n", err)
		os.Exit(1)
	}
	progress := &Progress{}
	c.SetObserver(progress)

	root, _ := filepath.Abs(cfg.Root)
	fmt.Printf("RFT  |  %s  |  id %d  |  files in %s\n", cfg.Addr, c.ID(), root)
	fmt.Println("Connected. Type 'help' for server commands, '?' for local ones.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("rft> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch {
		case cmd == "exit" || cmd == "quit" || cmd == "close":
			goto done
		case cmd == "?":
			fmt.Println(replHelp)
		case cmd == "quiet":
			progress.quiet = !progress.quiet
			fmt.Printf("  Quiet mode: %v\n", progress.quiet)
		case isTransfer(cmd):
			if len(parts) < 2 {
				fmt.Printf("  Usage: %s <name.ext>\n", cmd)
				continue
			}
			doTransfer(c, cmd, parts[1])
		default:
			replies, err := c.Command(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  !! %v\n", err)
				continue
			}
			for _, r := range replies {
				fmt.Printf("  %s\n", r)
			}
		}
	}

done:
	c.Close()
	fmt.Println("\nBye.")
}

// ─────────────────────────────────────────────────────────────────────────────
// CLI / ENTRY POINT
// ─────────────────────────────────────────────────────────────────────────────

func usage() {
	fmt.Println(`RFT -- resumable file transfer

Usage:
  rft serve [options]                   Serve files from --root
  rft connect [options]                 Interactive client
  rft download <name.ext> [options]     Fetch one file and exit
  rft upload <name.ext> [options]       Send one file and exit

Options:
  --host H       Server address (client default 127.0.0.1, server binds all)
  --port N       TCP/UDP port (default 9900)
  --root DIR     Directory files are served from / stored in (default .)
  --buffer N     Chunk size in bytes when sending (default 3000)
  --timeout S    Per-poll timeout in seconds (default 30)
  --journal DIR  Keep the transfer journal in DIR (server, default in memory)
  --id N         Client identifier (default random)
  --udp          Transfer over a reliable UDP session (one-shot modes)
  --no-udp       Do not serve download_udp / upload_udp
  --verbose      Debug logging

Examples:
  rft serve --root ./share --journal ./journal
  rft connect --host 10.0.0.5
  rft upload video.mp4 --host 10.0.0.5 --udp`)
}

func getFlag(args []string, name string, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

func hasFlag(args []string, name string) (bool, []string) {
	for i, a := range args {
		if a == name {
			return true, append(args[:i:i], args[i+1:]...)
		}
	}
	return false, args
}

func transferOptions(args []string) (transfer.Options, []string) {
	opts := transfer.DefaultOptions()
	bufStr, args := getFlag(args, "--buffer", strconv.Itoa(opts.BufferSize))
	if n, err := strconv.Atoi(bufStr); err == nil && n > 0 {
		opts.BufferSize = n
	}
	toStr, args := getFlag(args, "--timeout", "")
	if s, err := strconv.Atoi(toStr); err == nil && s > 0 {
		opts.Timeout = time.Duration(s) * time.Second
	}
	return opts, args
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		usage()
		return
	}

	cmd := strings.ToLower(args[0])
	args = args[1:]

	verbose, args := hasFlag(args, "--verbose")
	portStr, args := getFlag(args, "--port", strconv.Itoa(defaultPort))
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		port = defaultPort
	}
	root, args := getFlag(args, "--root", ".")
	opts, args := transferOptions(args)

	switch cmd {
	case "serve":
		host, args := getFlag(args, "--host", "")
		journal, args := getFlag(args, "--journal", "")
		noUDP, _ := hasFlag(args, "--no-udp")

		cfg := server.DefaultConfig()
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		cfg.UDP = !noUDP
		cfg.Root = root
		cfg.Transfer = opts
		cfg.JournalPath = journal
		runServer(cfg, newLogger(verbose, logrus.InfoLevel))

	case "connect", "download", "upload":
		var name string
		if cmd != "connect" {
			if len(args) == 0 || strings.HasPrefix(args[0], "--") {
				fmt.Fprintf(os.Stderr, "Usage: rft %s <name.ext> [options]\n", cmd)
				os.Exit(1)
			}
			name, args = args[0], args[1:]
		}
		host, args := getFlag(args, "--host", defaultHost)
		idStr, args := getFlag(args, "--id", "0")
		udp, _ := hasFlag(args, "--udp")

		cfg := client.DefaultConfig()
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		cfg.Root = root
		cfg.Transfer = opts
		cfg.ID, _ = strconv.ParseInt(idStr, 10, 64)
		log := newLogger(verbose, logrus.WarnLevel)

		if cmd == "connect" {
			runClient(cfg, log)
			return
		}

		c, err := client.Dial(cfg, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot connect: %v\n", err)
			os.Exit(1)
		}
		c.SetObserver(&Progress{})
		if udp {
			cmd += "_udp"
		}
		ok := doTransfer(c, cmd, name)
		c.Close()
		if !ok {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}
