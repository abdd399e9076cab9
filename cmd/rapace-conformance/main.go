// Command rapace-conformance drives a subject process over a real network
// connection and checks it against Rapace's wire-level behavioral rules.
// Grounded on the conformance package's Registry and on the cobra CLI
// shape used throughout the pack's own CLI tools (flag parsing, exit
// codes, --format text/json output).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bearcove/rapace/conformance"
)

// Exit codes: 0 pass, 1 fail (case ran and reported a mismatch), 2 usage
// or environment error (couldn't even run the case).
const (
	exitPass  = 0
	exitFail  = 1
	exitError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		caseName       string
		listMode       bool
		category       string
		format         string
		showRules      bool
		peerAddr       string
		hubSegmentPath string
		timeout        time.Duration
	)

	root := &cobra.Command{
		Use:           "rapace-conformance",
		Short:         "drive a subject peer and check it against Rapace's wire rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&caseName, "case", "", "run a single case, given as category.name")
	root.Flags().BoolVar(&listMode, "list", false, "list registered cases instead of running one")
	root.Flags().StringVar(&category, "category", "", "restrict --list to one category")
	root.Flags().StringVar(&format, "format", "text", "--list output format: text or json")
	root.Flags().BoolVar(&showRules, "show-rules", false, "include each case's checked rules in --list output")
	root.Flags().StringVar(&peerAddr, "peer-addr", os.Getenv("PEER_ADDR"), "host:port of the subject, defaults to $PEER_ADDR")
	root.Flags().StringVar(&hubSegmentPath, "hub-segment", os.Getenv("HUB_SEGMENT_PATH"), "path to a hub segment file, for hub-transport cases")
	root.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-case timeout")

	var exitCode int
	root.RunE = func(cmd *cobra.Command, _ []string) error {
		if listMode {
			return printList(cmd, category, format, showRules)
		}
		if caseName == "" {
			return fmt.Errorf("one of --case or --list is required")
		}
		code, err := runCase(caseName, peerAddr, hubSegmentPath, timeout)
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rapace-conformance:", err)
		if exitCode == 0 {
			exitCode = exitError
		}
	}
	return exitCode
}

func printList(cmd *cobra.Command, category, format string, showRules bool) error {
	var cases []conformance.Case
	if category != "" {
		cases = conformance.ByCategory(category)
	} else {
		cases = conformance.All()
	}

	if format == "json" {
		type jsonCase struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Rules       []string `json:"rules,omitempty"`
		}
		out := make([]jsonCase, 0, len(cases))
		for _, c := range cases {
			jc := jsonCase{Name: c.FullName(), Description: c.Description}
			if showRules {
				jc.Rules = c.Rules
			}
			out = append(out, jc)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	for _, c := range cases {
		fmt.Fprintf(w, "%-32s %s\n", c.FullName(), c.Description)
		if showRules {
			for _, r := range c.Rules {
				fmt.Fprintf(w, "    - %s\n", r)
			}
		}
	}
	return nil
}

func runCase(fullName, peerAddr, hubSegmentPath string, timeout time.Duration) (int, error) {
	c, ok := conformance.Find(fullName)
	if !ok {
		return exitError, fmt.Errorf("unknown case %q (use --list)", fullName)
	}

	env := &conformance.Env{
		HubSegmentPath: hubSegmentPath,
		Logger:         zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	if peerAddr != "" {
		env.Dial = func(ctx context.Context) (conformance.DuplexConn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", peerAddr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.Run(ctx, env); err != nil {
		if err == conformance.ErrUnsupportedEnv {
			return exitError, fmt.Errorf("case %q: %w (pass --peer-addr or --hub-segment)", fullName, err)
		}
		fmt.Printf("FAIL %s: %v\n", fullName, err)
		return exitFail, nil
	}
	fmt.Printf("PASS %s\n", fullName)
	return exitPass, nil
}
