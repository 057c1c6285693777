package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"catabot/internal/app"
	"catabot/internal/config"
	"catabot/internal/eventbus"
	"catabot/internal/plugin"
	"catabot/pkg/logx"
	"catabot/pkg/systemd"
	"catabot/plugins/admin"
	"catabot/plugins/base"
	"catabot/plugins/clock"
	"catabot/plugins/github"
	"catabot/plugins/jenkins"
	"catabot/plugins/jq"
	"catabot/plugins/rules"
	"catabot/plugins/seen"
)

// plugins lists every built-in plugin in load order. Config decides which run.
func plugins() []plugin.Plugin {
	return []plugin.Plugin{
		base.New(),
		admin.New(),
		clock.New(),
		github.New(),
		jenkins.New(),
		jq.New(),
		rules.New(),
		seen.New(),
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catabot",
		Short:         "Chat bot with pluggable commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBot,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect and serve until stopped (default)",
			RunE:  runBot,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the config file and exit",
			RunE:  runCheck,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewManager(configPath(cmd)).Parse()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: transport=%s plugins=%d\n", cfg.TransportName(), len(cfg.Plugins))
	return nil
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(configPath(cmd))
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	v := version
	if cfg.Runtime.Version != "" {
		v = cfg.Runtime.Version
	}

	logs, log := logx.New(cfg.LogConfig())
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	if cfg.Runtime.PIDFile != "" {
		if err := writePID(cfg.Runtime.PIDFile); err != nil {
			_ = logs.Close()
			return err
		}
		defer os.Remove(cfg.Runtime.PIDFile)
	}

	bus := eventbus.New()
	a, err := app.New(cfg,
		app.WithLogger(logs, log),
		app.WithManager(mgr),
		app.WithVersion(v),
		app.WithBus(bus),
	)
	if err != nil {
		_ = logs.Close()
		return err
	}
	if err := a.Register(plugins()...); err != nil {
		_ = a.Close()
		return err
	}

	// Outlives ctx so STOPPING is sent while draining.
	nctx, ncancel := context.WithCancel(context.Background())
	defer ncancel()
	var sd systemd.Notifier
	// Subscribe before Run so the first transition cannot be missed.
	events, unsub := bus.Subscribe(16)
	defer unsub()
	go notifyStates(nctx, &sd, events, log)
	go func() {
		if err := sd.Watchdog(nctx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	log.Info("starting", logx.String("version", v), logx.String("transport", cfg.TransportName()))
	return a.Run(ctx)
}

type stateNotifier interface {
	Ready(status string) error
	Stopping(status string) error
	Status(status string) error
}

// notifyStates mirrors app state changes from events to systemd.
func notifyStates(ctx context.Context, sd stateNotifier, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			sc, isState := e.Data.(eventbus.StateChange)
			if e.Type != eventbus.TypeState || !isState {
				continue
			}
			var err error
			switch app.State(sc.To) {
			case app.StateRunning:
				err = sd.Ready(sc.Reason)
			case app.StateDraining:
				err = sd.Stopping(sc.Reason)
			default:
				err = sd.Status(strings.ToLower(sc.To))
			}
			if err != nil {
				log.Debug("sd_notify failed", logx.Err(err))
			}
		}
	}
}

func writePID(path string) error {
	if b, err := os.ReadFile(path); err == nil {
		if pid, _ := strconv.Atoi(strings.TrimSpace(string(b))); pid > 0 && alive(pid) {
			return fmt.Errorf("pid file %s: process %d is running", path, pid)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pid file: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
