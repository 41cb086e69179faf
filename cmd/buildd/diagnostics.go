package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/bsp"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics [flags] project",
	Short: "Show the diagnostics of a project's last compilation",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagnostics,
}

func init() {
	addClientFlags(diagnosticsCmd)
	diagnosticsCmd.Flags().String("format", "pretty", "diagnostics format (pretty|json)")
	diagnosticsCmd.Flags().String("path-mode", "auto", "diagnostic paths (auto|absolute|relative|basename)")
	diagnosticsCmd.Flags().Bool("preview", true, "show the source line under each diagnostic")
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	addr, local, err := clientFlags(cmd)
	if err != nil {
		return err
	}
	render, err := readRenderOptions(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	render.root = cfg.Root
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

	last, err := conn.client.LastDiagnostics(ctx, args[0])
	if err != nil {
		return err
	}
	if !last.Known {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s has not been compiled yet\n", args[0])
		return err
	}
	events, err := last.CompileEvents()
	if err != nil {
		return err
	}
	recorded := newEventLog()
	for _, ev := range events {
		recorded.add(ev)
	}
	return renderCompile(cmd.OutOrStdout(), bsp.CompileResult{Results: []bsp.TargetResult{last.Result}}, recorded, render)
}
