// Command resolve is a thin CLI front end over the dnsresolver engine: it
// loads a TOML config (or falls back to the host's resolv.conf), submits
// one or more questions, and prints the resulting trace and answers.
//
// It exists to exercise Resolver end to end against real nameservers; the
// engine itself has no notion of a command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/corvidae/dnsresolver"
)

type options struct {
	configPath string
	qtype      string
	recursive  bool
	stub       bool
	timeout    time.Duration
	logLevel   string
}

func main() {
	var opt options

	cmd := &cobra.Command{
		Use:   "resolve <name> [<name>...]",
		Short: "Iteratively or recursively resolve DNS names",
		Long: `resolve submits one or more names to the dnsresolver engine and prints
the trace of queries sent, responses received, and the final answer set.

By default it walks the zone hierarchy itself (iterative mode); pass
--stub to instead send recursion-desired queries to the configured
nameservers and let them do the walking.`,
		Example: `  resolve www.example.com
  resolve -t AAAA -c resolve.toml www.example.com mail.example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "", "TOML config file (default: use /etc/resolv.conf)")
	cmd.Flags().StringVarP(&opt.qtype, "type", "t", "A", "record type to query (A, AAAA, NS, MX, CNAME, ANY, ...)")
	cmd.Flags().BoolVarP(&opt.recursive, "recursive", "r", false, "use the recursive iteration cap instead of the iterative one")
	cmd.Flags().BoolVar(&opt.stub, "stub", false, "stub-resolver mode: ask configured nameservers to recurse on our behalf")
	cmd.Flags().DurationVar(&opt.timeout, "timeout", 10*time.Second, "overall deadline for the whole run")
	cmd.Flags().StringVarP(&opt.logLevel, "log-level", "l", "warn", "logrus level: trace, debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, names []string) error {
	level, err := logrus.ParseLevel(opt.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	qtype, ok := dns.StringToType[strings.ToUpper(opt.qtype)]
	if !ok {
		return fmt.Errorf("unknown record type %q", opt.qtype)
	}

	transport, err := dnsresolver.NewUDPTransport("")
	if err != nil {
		return err
	}
	defer transport.Close()

	resolver := dnsresolver.NewResolver(transport)

	if opt.configPath != "" {
		cfg, err := dnsresolver.LoadConfigFile(opt.configPath)
		if err != nil {
			return err
		}
		cfg.Apply(resolver)
	} else {
		nameservers, searchPath, err := dnsresolver.LoadSystemServers("")
		if err != nil {
			return fmt.Errorf("load system nameservers (pass --config to use a TOML file instead): %w", err)
		}
		for _, ns := range nameservers {
			resolver.AddNameserver(ns)
		}
		for _, sp := range searchPath {
			resolver.AddSearchPath(sp)
		}
	}
	resolver.SetStubResolver(opt.stub)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runCtx, runCancel := context.WithTimeout(ctx, opt.timeout)
	defer runCancel()

	runErr := make(chan error, 1)
	go func() { runErr <- resolver.Run(runCtx) }()

	questions := make([]dnsresolver.Question, len(names))
	for i, name := range names {
		questions[i] = dnsresolver.NewQuestion(name, qtype, dns.ClassINET)
	}

	done := make(chan struct{})
	var exitErr error
	_, err = resolver.Resolve(opt.recursive, questions,
		func(answers, authority, additional []dns.RR, negatives []dnsresolver.Question) {
			printAnswers(answers, authority, additional, negatives)
		},
		func(err error) {
			exitErr = err
		},
		func(trace *dnsresolver.Trace) {
			fmt.Print(trace.Dump())
			close(done)
		},
	)
	if err != nil {
		runCancel()
		<-runErr
		return err
	}

	select {
	case <-done:
	case <-runCtx.Done():
		exitErr = runCtx.Err()
	}

	runCancel()
	<-runErr

	return exitErr
}

func printAnswers(answers, authority, additional []dns.RR, negatives []dnsresolver.Question) {
	for _, rr := range answers {
		fmt.Println(rr.String())
	}
	for _, rr := range authority {
		fmt.Println(";; AUTHORITY " + rr.String())
	}
	for _, rr := range additional {
		fmt.Println(";; ADDITIONAL " + rr.String())
	}
	for _, q := range negatives {
		fmt.Println(";; NXDOMAIN " + q.String())
	}
}
