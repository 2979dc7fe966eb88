// Command covtrace drives the coverage engine against one compiled test
// binary. Locating the binary, analyzing source to decide which lines are
// coverable, and rendering a report are all external concerns (§1's
// Non-goals): this binary only wires the Address Resolver, Tracee
// Launcher, and State Machine together and prints a minimal summary.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brask/covtrace/engine"
	"github.com/brask/covtrace/launch"
	"github.com/brask/covtrace/trace"
)

func main() {
	if launch.RunTrampoline() {
		return
	}

	var (
		coverablePath  = flag.String("coverable", "", "path to a file listing coverable `file:line` locations, one per line")
		verbose        = flag.Bool("verbose", false, "enable diagnostic logging")
		count          = flag.Bool("count", true, "count breakpoint hits rather than recording hit-at-least-once")
		forwardSignals = flag.Bool("forward-signals", true, "forward unrecognized signals to the tracee")
		runIgnored     = flag.Bool("run-ignored", false, "append --ignored to the tracee's argv")
		relocBase      = flag.Uint64("relocation-base", 0, "relocation base to add to addresses read from debug info (0: auto-detect from the tracee's own mapping for a PIE binary)")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: covtrace [flags] <test-binary> [-- varargs...]")
		os.Exit(2)
	}
	binaryPath := args[0]
	varargs := args[1:]

	manifestDir := filepath.Dir(binaryPath)

	coverable, err := loadCoverable(*coverablePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "covtrace: %v\n", err)
		os.Exit(1)
	}

	cfg := engine.Config{
		Verbose:        *verbose,
		Count:          *count,
		ForwardSignals: *forwardSignals,
		RunIgnored:     *runIgnored,
		Varargs:        varargs,
	}

	tm, testPassed, err := engine.Run(binaryPath, manifestDir, coverable, uintptr(*relocBase), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "covtrace: %v\n", err)
		if tm == nil {
			os.Exit(1)
		}
	}

	tm.Dedup()
	printSummary(tm, testPassed)

	if !testPassed {
		os.Exit(1)
	}
}

// loadCoverable reads a simple "file:line" per line format. The file
// listing which lines are coverable is produced by an external
// source-analysis step (§1's Non-goals); this parser only has to get data
// from that step into the engine's input shape.
func loadCoverable(path string) (map[trace.SourceLocation]struct{}, error) {
	coverable := make(map[trace.SourceLocation]struct{})
	if path == "" {
		return coverable, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("malformed coverable location %q", line)
		}

		lineNum, err := strconv.ParseUint(line[idx+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed coverable location %q: %w", line, err)
		}

		loc := trace.SourceLocation{File: line[:idx], Line: uint(lineNum)}
		coverable[loc] = struct{}{}
	}

	return coverable, scanner.Err()
}

func printSummary(tm *trace.TraceMap, testPassed bool) {
	fmt.Printf("test_passed: %t\n", testPassed)

	for _, file := range tm.Files() {
		covered := 0
		total := 0
		for _, t := range tm.ChildTraces(file) {
			total++
			if t.Stats.Hits() > 0 {
				covered++
			}
		}
		fmt.Printf("%s: %d/%d lines covered\n", file, covered, total)
	}
}
