// Package cli implements the socks5proxy command line: flag parsing,
// bootstrap, signal handling and periodic status reporting. Split into
// mainInit/mainExecute, in trustydns-proxy's style, so tests can drive
// the program without calling os.Exit.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/netlabs/socks5reactor/internal/proxy"
	"github.com/netlabs/socks5reactor/internal/reporter"
	"github.com/netlabs/socks5reactor/internal/sink"
)

const programName = "socks5proxy"

const defaultResolvConf = "/etc/resolv.conf"

type config struct {
	port           int
	verbose        bool
	statusInterval time.Duration
	gops           bool
	resolvConfPath string
}

var (
	stdout, stderr io.Writer
	stopChannel    chan os.Signal

	mainStarted, mainStopped bool
	startTime                time.Time
)

// mainInit resets program-wide state so mainExecute can be invoked more
// than once within a single test binary.
func mainInit(out, errw io.Writer) {
	stdout = out
	stderr = errw
	mainStarted = false
	mainStopped = false
	startTime = time.Now()
	stopChannel = make(chan os.Signal, 4)
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGTERM)
}

// Main is the process entry point called by cmd/socks5proxy.
func Main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func fatal(args ...any) int {
	fmt.Fprint(stderr, "Fatal: ", programName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func parseCommandLine(args []string) (*config, error) {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &config{}
	fs.BoolVar(&cfg.verbose, "v", false, "print periodic status lines")
	fs.DurationVar(&cfg.statusInterval, "status-interval", 30*time.Second, "interval between status lines when -v is set")
	fs.BoolVar(&cfg.gops, "gops", false, "start a gops diagnostics agent")
	fs.StringVar(&cfg.resolvConfPath, "resolv-conf", defaultResolvConf, "path to resolv.conf used for upstream DNS discovery")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one positional argument: <port>")
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", fs.Arg(0))
	}
	cfg.port = port
	return cfg, nil
}

func mainExecute(args []string) int {
	cfg, err := parseCommandLine(args)
	if err != nil {
		return fatal(err)
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal("starting gops agent:", err)
		}
	}

	log := sink.New(stderr, "bootstrap")
	r, err := proxy.Bootstrap(cfg.port, cfg.resolvConfPath, log)
	if err != nil {
		return fatal(err)
	}

	if cfg.verbose {
		fmt.Fprintln(stdout, programName, "listening on port", cfg.port)
	}

	runErr := make(chan error, 1)
	stop := make(chan struct{})
	go func() { runErr <- r.Run(stop) }()

	mainStarted = true
	reporters := []reporter.Reporter{r}

	var statusTick <-chan time.Time
	if cfg.verbose {
		ticker := time.NewTicker(cfg.statusInterval)
		defer ticker.Stop()
		statusTick = ticker.C
	}

	runFinished := false

Running:
	for {
		select {
		case s := <-stopChannel:
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			close(stop)
			break Running

		case err := <-runErr:
			runFinished = true
			if err != nil {
				return fatal(err)
			}
			break Running

		case <-statusTick:
			statusReport(reporters, true)
		}
	}

	if !runFinished {
		<-runErr
	}
	mainStopped = true
	if cfg.verbose {
		statusReport(reporters, true)
		fmt.Fprintln(stdout, programName, "exiting after", uptime())
	}
	return 0
}

func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

func statusReport(reporters []reporter.Reporter, resetCounters bool) {
	for _, r := range reporters {
		fmt.Fprintf(stdout, "Status %s: %s\n", r.Name(), r.Report(resetCounters))
	}
}
