package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/bsp"
	"buildd/internal/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace [flags] [project]",
	Short: "Print recent trace events kept by the server",
	Long: `Print the server's recent plan and unit spans, optionally for one project
or unit. The server keeps them when started with --trace-level and
--trace-mode ring or both.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	addClientFlags(traceCmd)
	traceCmd.Flags().String("unit", "", "only events of this unit id")
	traceCmd.Flags().Int("limit", 200, "print at most this many of the newest events (0 = all)")
	traceCmd.Flags().String("format", "text", "event format (text|ndjson)")
}

func runTrace(cmd *cobra.Command, args []string) error {
	addr, local, err := clientFlags(cmd)
	if err != nil {
		return err
	}
	params := bsp.TraceParams{}
	if len(args) == 1 {
		params.Target = args[0]
	}
	if params.Unit, err = cmd.Flags().GetString("unit"); err != nil {
		return err
	}
	if params.Limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return err
	}
	formatStr, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	format, err := trace.ParseFormat(formatStr)
	if err != nil || format == trace.FormatAuto {
		return fmt.Errorf("invalid --format %q (expected: text|ndjson)", formatStr)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cmd, log.WarnLevel)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx := cmd.Context()
	conn, err := connect(ctx, cmd, cfg, addr, local, logger)
	if err != nil {
		return err
	}
	defer conn.close()

	res, err := conn.client.Trace(ctx, params)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Enabled {
		_, err := fmt.Fprintf(out, "tracing is off on the %s server (start it with --trace-level and --trace-mode ring|both)\n", conn.mode)
		return err
	}
	for i := range res.Events {
		if _, err := out.Write(trace.FormatEvent(&res.Events[i], format)); err != nil {
			return err
		}
	}
	return nil
}
