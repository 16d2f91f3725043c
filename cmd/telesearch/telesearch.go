package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/telesearch/telesearch/internal/event"
	"github.com/telesearch/telesearch/internal/log"
	"github.com/telesearch/telesearch/internal/model"
	"github.com/telesearch/telesearch/internal/service"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	flagChatID int64
	flagYears  int
	flagLimit  int
	flagNow    bool

	flagMetricsInterval time.Duration
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "index downloads the history of one chat, Ctrl-C cancels it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, model.KindIndexing, func(ctx context.Context, s *service.Supervisor) (string, error) {
			return s.StartIndexing(ctx, flagChatID, flagYears)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "sync fetches new messages of the indexed chats, Ctrl-C cancels it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, model.KindSync, func(ctx context.Context, s *service.Supervisor) (string, error) {
			return s.StartSync(ctx)
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "chats lists the chats available for indexing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd, "chats")
		workers, err := service.WorkersFromConfig(ctx, config)
		if err != nil {
			return err
		}
		list, err := workers.ListChats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "search looks the query up in the indexed messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd, "search")
		workers, err := service.WorkersFromConfig(ctx, config)
		if err != nil {
			return err
		}
		resp, err := workers.Search(ctx, service.SearchRequest{
			Query:  strings.Join(args, " "),
			Limit:  flagLimit,
			ChatID: flagChatID,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "daemon runs sync on the configured schedule until terminated",
	Args:  cobra.NoArgs,
	RunE:  doDaemon,
}

// runTask starts one supervised run, prints its events as JSON lines and
// waits for the terminal one. SIGINT or SIGTERM cancels the run.
func runTask(cmd *cobra.Command, kind model.Kind, start func(context.Context, *service.Supervisor) (string, error)) error {
	ctx := cmdContext(cmd, kind.String())
	workers, err := service.WorkersFromConfig(ctx, config)
	if err != nil {
		return err
	}

	bus := event.NewBus(event.WithLogger(slog.Default()))
	sub := bus.Subscribe(kind.Topic())

	// stdout gets every event, the bus only tells when the run is over
	sink := service.MultiSink{
		service.NewJSONSink(cmd.OutOrStdout()),
		service.NewLogSink(ctx, slog.Default()),
		bus,
	}
	supervisor := service.NewSupervisor(workers, sink).WithGrace(config.Grace())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	msg, err := start(ctx, supervisor)
	if err != nil {
		bus.Close()
		return err
	}
	slog.InfoContext(ctx, "task started", "result", msg)

	// the subscription closes once the terminal event was published
	go func() {
		supervisor.Wait()
		bus.Close()
	}()

	final := follow(ctx, sub.C(), signals, func() error {
		_, err := supervisor.Cancel(ctx, kind)
		return err
	})
	if final.Status != model.StatusCompleted {
		return fmt.Errorf("%s %s: %s", kind, final.Status, final.Message)
	}
	return nil
}

// follow waits until events is closed and returns the last terminal event
// seen. Every signal calls cancel, a failed cancel leaves the next signal to
// try again.
func follow(ctx context.Context, events <-chan event.Event, signals <-chan os.Signal, cancel func() error) model.Progress {
	var final model.Progress
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return final
			}
			if ev.Payload.Status.Terminal() {
				final = ev.Payload
			}
		case sig := <-signals:
			slog.InfoContext(ctx, "cancelling", "signal", sig.String())
			if err := cancel(); err != nil {
				slog.WarnContext(ctx, "can't cancel", "error", err)
			}
		}
	}
}

func doDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "daemon")
	if config.Sync.Schedule == nil {
		return errors.New("daemon needs sync.schedule in the configuration")
	}
	workers, err := service.WorkersFromConfig(ctx, config)
	if err != nil {
		return err
	}

	if flagMetricsInterval > 0 {
		shutdown, err := setupMetrics(cmd.ErrOrStderr(), flagMetricsInterval)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "metrics shutdown", "error", err)
			}
		}()
	}

	sink := service.MultiSink{
		service.NewJSONSink(cmd.OutOrStdout()),
		service.NewLogSink(ctx, slog.Default()),
	}
	supervisor := service.NewSupervisor(workers, sink).WithGrace(config.Grace())
	task := supervisor.ScheduledSync(ctx)

	scheduler, err := service.NewScheduler(ctx, config.Sync.Schedule, func() { task() })
	if err != nil {
		return err
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				slog.DebugContext(ctx, "termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Scheduled sync.
	{
		schedCtx, schedCancel := context.WithCancel(ctx)
		defer schedCancel()

		g.Add(
			func() error {
				scheduler.Start()
				slog.InfoContext(ctx, "scheduler started", "schedule", config.Sync.Schedule)
				if flagNow {
					task()
				}
				<-schedCtx.Done()
				return nil
			},
			func(_ error) {
				schedCancel()
			},
		)
	}

	err = g.Run()

	if serr := scheduler.Shutdown(); serr != nil {
		slog.WarnContext(ctx, "scheduler shutdown", "error", serr)
	}
	if supervisor.IsSyncing() {
		if _, cerr := supervisor.CancelSync(ctx); cerr != nil {
			slog.WarnContext(ctx, "can't cancel running sync", "error", cerr)
		}
	}
	supervisor.Wait()
	return err
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("telesearch",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
