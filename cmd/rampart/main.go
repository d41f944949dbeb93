// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command rampart is a host intrusion detection agent: it watches an
// interface for attack traffic, temporarily bans offenders through the
// firewall, and serves an admin API for operators.
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/rampart/cmd"
)

const usage = `Usage: rampart [-config FILE] <command> [args]

Daemon:
  start              Start the agent in the background
  run                Run the agent in the foreground
  stop               Stop the running agent

Client (talks to the running agent):
  status             Show runtime status
  bans               List active temporary bans
  unban <ip>         Lift the ban on an address
  events             Show recent pipeline events
  policy             Show or adjust the runtime policy

Offline:
  replay <pcap>      Re-analyze a capture file (no enforcement)
  version            Print the build version

Common flags:
  -config FILE       Configuration file (HCL)
  -o FORMAT          Output format for client commands: json or yaml
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	configFile := flag.String("config", "", "Path to HCL config file")
	format := flag.String("o", "json", "Output format: json or yaml")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "start":
		err = cmd.RunStart(*configFile)
	case "run":
		err = cmd.RunAgent(*configFile)
	case "stop":
		err = cmd.RunStop(*configFile)
	case "status":
		err = cmd.RunStatus(*configFile, *format)
	case "bans":
		err = cmd.RunBans(*configFile, *format)
	case "unban":
		if len(args) < 2 {
			fatal("Usage: rampart unban <ip>")
		}
		err = cmd.RunUnban(*configFile, args[1])
	case "events":
		fs := flag.NewFlagSet("events", flag.ExitOnError)
		limit := fs.Int("limit", 50, "Maximum events to show")
		fs.Parse(args[1:])
		err = cmd.RunEvents(*configFile, *format, *limit)
	case "policy":
		fs := flag.NewFlagSet("policy", flag.ExitOnError)
		window := fs.Int("window-seconds", 0, "Tracking window in seconds")
		threshold := fs.Int("threshold", 0, "Flood threshold in packets per window")
		banMinutes := fs.Int("ban-minutes", 0, "Temporary ban duration in minutes")
		useFirewall := fs.String("use-firewall", "", "Enable firewall enforcement: true or false")
		confidence := fs.Float64("confidence", 0, "Auto-block confidence threshold [0,1]")
		fs.Parse(args[1:])
		err = cmd.RunPolicy(*configFile, *format, policyChanges(fs, *window, *threshold, *banMinutes, *useFirewall, *confidence))
	case "replay":
		fs := flag.NewFlagSet("replay", flag.ExitOnError)
		realtime := fs.Bool("realtime", false, "Pace frames by their capture timestamps")
		fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fatal("Usage: rampart replay [-realtime] <pcap-file>")
		}
		err = cmd.RunReplay(*configFile, fs.Arg(0), *realtime)
	case "version":
		err = cmd.RunVersion()
	case "help", "-h", "--help":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("Error: %v", err)
	}
}

// policyChanges keeps only the flags the operator actually set, so an
// untouched flag never overwrites the live value with a zero.
func policyChanges(fs *flag.FlagSet, window, threshold, banMinutes int, useFirewall string, confidence float64) cmd.PolicyChanges {
	var c cmd.PolicyChanges
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "window-seconds":
			c.WindowSeconds = &window
		case "threshold":
			c.Threshold = &threshold
		case "ban-minutes":
			c.BanMinutes = &banMinutes
		case "use-firewall":
			v := useFirewall == "true"
			c.UseFirewall = &v
		case "confidence":
			c.AutoBlockConfidence = &confidence
		}
	})
	return c
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
