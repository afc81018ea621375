// memtrace is the command-line driver over the trace/disasm/dump/ud
// packages: "dump" renders a trace as text, "ud" ingests one into a
// persistent use-definition store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mephi42/memtrace/disasm"
	"github.com/mephi42/memtrace/dump"
	"github.com/mephi42/memtrace/mtraceerr"
	"github.com/mephi42/memtrace/trace"
	"github.com/mephi42/memtrace/tracelog"
	"github.com/mephi42/memtrace/ud"
	"github.com/mephi42/memtrace/wordio"
)

var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "memtrace",
		Short:   "Offline analyzer for memtrace execution traces",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, error, crit, or max")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		tracelog.InitLogger(logLevel)
	}

	rootCmd.AddCommand(newDumpCmd(), newUdCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDumpCmd() *cobra.Command {
	var start, end int

	cmd := &cobra.Command{
		Use:   "dump <trace-file>",
		Short: "Render a trace's record stream as text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args[0], start, end)
		},
	}
	cmd.Flags().IntVar(&start, "start", -1, "first entry_index to render (inclusive); -1 for no lower bound")
	cmd.Flags().IntVar(&end, "end", -1, "entry_index to stop before (exclusive); -1 for no upper bound")
	return cmd
}

func runDump(path string, start, end int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memtrace: read %s: %v: %w", path, err, mtraceerr.IoFailure)
	}
	coding, err := trace.SniffCoding(data)
	if err != nil {
		return err
	}
	switch coding.WordSize {
	case 4:
		return dumpWord[uint32](path, coding.Order, start, end)
	default:
		return dumpWord[uint64](path, coding.Order, start, end)
	}
}

func dumpWord[W uint32 | uint64](path string, order wordio.Order, start, end int) error {
	r, err := trace.Open[W](path)
	if err != nil {
		return err
	}
	defer r.Close()

	d, err := disasm.New(r.MachineType(), order, r.WordSize())
	if err != nil {
		return err
	}
	return dump.Run(os.Stdout, r, d, start, end)
}

func newUdCmd() *cobra.Command {
	var output, dot, html, csvTemplate string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "ud <trace-file>",
		Short: "Ingest a trace into a persistent use-definition store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUd(args[0], output, verbose, ud.OutputPaths{Dot: dot, Html: html, CsvTemplate: csvTemplate})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `path template for the store's companion files, with "{}" substituted per file (required)`)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every trace-row flush")
	cmd.Flags().StringVar(&dot, "dot", "", "render the use-definition graph to this DOT file")
	cmd.Flags().StringVar(&html, "html", "", "render the use-definition graph to this HTML file")
	cmd.Flags().StringVar(&csvTemplate, "csv", "", `path template for the code/trace/uses CSV triple, with "{}" substituted per file`)
	cmd.MarkFlagRequired("output")
	return cmd
}

func runUd(tracePath, outputTemplate string, verbose bool, outputs ud.OutputPaths) error {
	data, err := os.ReadFile(tracePath)
	if err != nil {
		return fmt.Errorf("memtrace: read %s: %v: %w", tracePath, err, mtraceerr.IoFailure)
	}
	coding, err := trace.SniffCoding(data)
	if err != nil {
		return err
	}
	switch coding.WordSize {
	case 4:
		return ingestWord[uint32](tracePath, outputTemplate, verbose, outputs)
	default:
		return ingestWord[uint64](tracePath, outputTemplate, verbose, outputs)
	}
}

func ingestWord[W uint32 | uint64](tracePath, outputTemplate string, verbose bool, outputs ud.OutputPaths) error {
	r, err := trace.Open[W](tracePath)
	if err != nil {
		return err
	}
	defer r.Close()

	d, err := disasm.New(r.MachineType(), r.Order(), r.WordSize())
	if err != nil {
		return err
	}

	e, err := ud.CreateEngine[W](outputTemplate, r.MachineType(), r.Order(), d)
	if err != nil {
		return err
	}
	e.Verbose = verbose
	defer e.Close()

	if err := e.Ingest(r); err != nil {
		return err
	}
	fmt.Printf("reg: %d defs, %d uses\n", e.Reg.DefsLen(), e.Reg.UsesLen())
	fmt.Printf("mem: %d defs, %d uses\n", e.Mem.DefsLen(), e.Mem.UsesLen())
	return e.Complete(outputs)
}
