package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/bsp"
	"buildd/internal/compile"
	"buildd/internal/observ"
	"buildd/internal/project"
	"buildd/internal/ui"
)

var compileCmd = &cobra.Command{
	Use:   "compile [flags] [project...]",
	Short: "Compile projects (all of them by default)",
	Long: `Compile the named projects and their dependencies. Requests that match
a compilation already in progress attach to it; unchanged projects are no-ops.`,
	RunE: runCompile,
}

func init() {
	addClientFlags(compileCmd)
	compileCmd.Flags().Duration("timeout", 0, "give up waiting after this long (the compilation keeps running)")
	compileCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	compileCmd.Flags().String("format", "pretty", "diagnostics format (pretty|json)")
	compileCmd.Flags().String("path-mode", "auto", "diagnostic paths (auto|absolute|relative|basename)")
	compileCmd.Flags().Bool("preview", true, "show the source line under each diagnostic")
}

func runCompile(cmd *cobra.Command, args []string) error {
	addr, local, err := clientFlags(cmd)
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	uiModeValue, err := readUIMode(uiValue)
	if err != nil {
		return err
	}
	render, err := readRenderOptions(cmd)
	if err != nil {
		return err
	}
	timings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

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
	timer := observ.NewTimer()
	phase := timer.Begin("connect")
	conn, err := connect(ctx, cmd, cfg, addr, local, logger)
	if err != nil {
		return err
	}
	defer conn.close()
	timer.End(phase, conn.mode)

	targets := args
	if len(targets) == 0 {
		targets = rootTargets(cfg.Projects, conn.targets)
	}
	if len(targets) == 0 {
		return fmt.Errorf("workspace has no projects")
	}

	events := newEventLog()
	phase = timer.Begin("compile")
	useTUI := shouldUseTUI(uiModeValue) && render.format == "pretty" && !render.quiet
	var res bsp.CompileResult
	if useTUI {
		res, err = compileWithUI(ctx, conn.client, targets, timeout, events)
	} else {
		res, err = conn.client.Compile(ctx, targets, timeout, events.add)
	}
	timer.End(phase, strings.Join(targets, ","))
	if err != nil {
		return err
	}

	phase = timer.Begin("render")
	err = renderCompile(cmd.OutOrStdout(), res, events, render)
	timer.End(phase, "")
	if err != nil {
		return err
	}
	if timings {
		fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
	}
	if res.StatusCode != bsp.StatusOK {
		return fmt.Errorf("compile finished with status %s", res.StatusCode)
	}
	return nil
}

// rootTargets keeps the projects no other project depends on; their
// dependencies are compiled as part of them.
func rootTargets(projects []project.Project, names []string) []string {
	dependedOn := make(map[string]bool)
	for _, p := range projects {
		for _, dep := range p.Dependencies {
			dependedOn[dep] = true
		}
	}
	roots := make([]string, 0, len(names))
	for _, name := range names {
		if !dependedOn[name] {
			roots = append(roots, name)
		}
	}
	return roots
}

func compileWithUI(ctx context.Context, client *bsp.Client, targets []string, timeout time.Duration, recorded *eventLog) (bsp.CompileResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res bsp.CompileResult
		err error
	}
	events := make(chan compile.Event, 256)
	outcomeCh := make(chan outcome, 1)
	go func() {
		res, err := client.Compile(ctx, targets, timeout, func(ev compile.Event) {
			recorded.add(ev)
			events <- ev
		})
		outcomeCh <- outcome{res: res, err: err}
		close(events)
	}()

	title := "compile " + strings.Join(targets, " ")
	program := tea.NewProgram(ui.NewProgressModel(title, nil, events), tea.WithOutput(os.Stdout), tea.WithContext(ctx))
	final, uiErr := program.Run()
	if uiErr != nil || ui.Interrupted(final) {
		cancel()
	}
	// UI уже не читает: освобождаем отправителя
	go func() {
		for range events {
		}
	}()
	out := <-outcomeCh
	if uiErr != nil {
		return out.res, uiErr
	}
	if ui.Interrupted(final) {
		return out.res, context.Canceled
	}
	return out.res, out.err
}
