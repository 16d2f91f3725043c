package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/telesearch/telesearch/internal/log"
	"github.com/telesearch/telesearch/internal/model"
	"github.com/telesearch/telesearch/internal/progress"
)

const instrumentationName = "github.com/telesearch/telesearch/internal/service"

// StderrPrefix marks diagnostic lines forwarded as indexing progress.
const StderrPrefix = "[stderr] "

// MaxLineSize bounds a single worker output line, longer ones are truncated.
const MaxLineSize = 1 << 20

var (
	ErrAlreadyRunning = errors.New("task already running")
	ErrNotRunning     = errors.New("task not running")
	ErrNoWorker       = errors.New("no worker process to signal, the run is finishing")
	ErrUnknownKind    = errors.New("unknown task kind")
)

type Supervisor struct {
	workers Workers
	spawner Spawner
	sink    Sink
	grace   time.Duration
	slots   map[model.Kind]*slot
	wg      sync.WaitGroup

	runs   metric.Int64Counter
	events metric.Int64Counter
}

// NewSupervisor returns a Supervisor with an idle slot per task kind. Every
// progress event of every run goes to sink.
func NewSupervisor(workers Workers, sink Sink) *Supervisor {
	if sink == nil {
		sink = SinkFunc(func(string, model.Progress) {})
	}
	slots := make(map[model.Kind]*slot, len(model.Kinds))
	for _, kind := range model.Kinds {
		slots[kind] = &slot{}
	}
	runs, events := counters()
	return &Supervisor{
		workers: workers,
		spawner: ExecSpawner{},
		sink:    sink,
		grace:   model.DefaultGracePeriod,
		slots:   slots,
		runs:    runs,
		events:  events,
	}
}

// WithSpawner replaces the process spawner, tests use it to fake workers.
func (s *Supervisor) WithSpawner(spawner Spawner) *Supervisor {
	s.spawner = spawner
	return s
}

// WithGrace sets the pause between the end of stdout and the final wait.
func (s *Supervisor) WithGrace(d time.Duration) *Supervisor {
	s.grace = d
	return s
}

// StartIndexing starts the indexer for chatID. years <= 0 uses the configured lookback.
func (s *Supervisor) StartIndexing(ctx context.Context, chatID int64, years int) (string, error) {
	return s.Start(ctx, model.KindIndexing, s.workers.Indexing(chatID, years))
}

func (s *Supervisor) StartSync(ctx context.Context) (string, error) {
	return s.Start(ctx, model.KindSync, s.workers.Sync())
}

func (s *Supervisor) IsIndexing() bool {
	return s.IsRunning(model.KindIndexing)
}

func (s *Supervisor) IsSyncing() bool {
	return s.IsRunning(model.KindSync)
}

func (s *Supervisor) CancelIndexing(ctx context.Context) (string, error) {
	return s.Cancel(ctx, model.KindIndexing)
}

func (s *Supervisor) CancelSync(ctx context.Context) (string, error) {
	return s.Cancel(ctx, model.KindSync)
}

// Start spawns cmd as the worker of kind and returns once its output is being
// consumed. It fails with ErrAlreadyRunning while another run of the same
// kind is active, and with the spawn error when the worker can't be started;
// no event is published in either case. Otherwise the run ends with exactly
// one terminal event on kind.Topic().
func (s *Supervisor) Start(ctx context.Context, kind model.Kind, cmd Command) (string, error) {
	sl, ok := s.slots[kind]
	if !ok {
		return "", fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	if !sl.acquire() {
		return "", fmt.Errorf("%s: %w", kind, ErrAlreadyRunning)
	}

	// the run outlives the caller, keep its values but not its cancellation
	ctx = log.ContextAttrs(context.WithoutCancel(ctx),
		slog.String("task", kind.String()),
		slog.String("run_id", uuid.NewString()),
	)

	proc, err := s.spawner.Spawn(ctx, cmd)
	if err != nil {
		sl.release()
		slog.ErrorContext(ctx, "worker can't be started", "cmd", cmd.String(), "error", err)
		return "", fmt.Errorf("starting %s worker: %w", kind, err)
	}
	sl.track(proc)

	ctx = log.ContextAttrs(ctx, slog.Int("pid", proc.Pid()))
	slog.InfoContext(ctx, "worker started", "cmd", cmd.String())

	s.wg.Go(func() {
		s.run(ctx, kind, sl, proc)
	})
	return fmt.Sprintf("%s started", kind), nil
}

// IsRunning reports whether a run of kind is in progress.
func (s *Supervisor) IsRunning(kind model.Kind) bool {
	sl, ok := s.slots[kind]
	return ok && sl.isRunning()
}

// Pid returns the process id of the current worker of kind, 0 when idle.
func (s *Supervisor) Pid(kind model.Kind) int {
	sl, ok := s.slots[kind]
	if !ok {
		return 0
	}
	return sl.currentPid()
}

// Cancel asks the worker of kind to stop and returns without waiting. The
// outcome arrives later as the terminal event of the run, cancelled when the
// worker honours the request, error otherwise.
func (s *Supervisor) Cancel(ctx context.Context, kind model.Kind) (string, error) {
	sl, ok := s.slots[kind]
	if !ok {
		return "", fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	if !sl.isRunning() {
		return "", fmt.Errorf("%s: %w", kind, ErrNotRunning)
	}

	err := sl.signal()
	switch {
	case errors.Is(err, ErrNoWorker):
		return "", fmt.Errorf("%s: %w", kind, err)
	case err != nil:
		slog.ErrorContext(ctx, "cancel failed", "task", kind.String(), "error", err)
		return "", fmt.Errorf("cancelling %s: %w", kind, err)
	}
	slog.InfoContext(ctx, "cancel requested", "task", kind.String())
	return fmt.Sprintf("%s cancel requested", kind), nil
}

// Wait blocks until every run started so far has published its terminal event.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// run drains both worker streams, waits for the exit and publishes the
// terminal event. stderr is owned by this run only.
func (s *Supervisor) run(ctx context.Context, kind model.Kind, sl *slot, proc Process) {
	var stderr []string
	var g errgroup.Group
	g.Go(func() error {
		readLines(ctx, proc.Stderr(), func(line string) {
			stderr = append(stderr, line)
			if kind == model.KindIndexing {
				s.publish(ctx, kind, model.Progress{
					Status:  model.StatusProgress,
					Message: StderrPrefix + line,
				})
			}
		})
		return nil
	})

	// terminal records printed by the worker are held back, the exit code
	// decides the one terminal event of the run
	var reported *model.Progress
	readLines(ctx, proc.Stdout(), func(line string) {
		p := progress.Parse(line, kind)
		if p.Status.Terminal() {
			slog.DebugContext(ctx, "worker reported terminal status", "status", p.Status)
			reported = &p
			return
		}
		s.publish(ctx, kind, p)
	})

	if s.grace > 0 {
		time.Sleep(s.grace)
	}

	owned := sl.take()
	_ = g.Wait() // readers never fail

	var exit Exit
	if owned == nil {
		exit.Err = errors.New("worker handle lost")
	} else {
		exit.Code, exit.Err = owned.Wait()
	}

	final := Terminal(kind, exit, stderr, reported)
	slog.InfoContext(ctx, "worker finished",
		"status", final.Status,
		"exit_code", exit.Code,
		"stderr_lines", len(stderr))
	s.publish(ctx, kind, final)
	s.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("status", string(final.Status)),
	))

	sl.release()
}

// publish hands p to the sink. Whatever the sink does, the run goes on.
func (s *Supervisor) publish(ctx context.Context, kind model.Kind, p model.Progress) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event sink panicked", "panic", r)
		}
	}()
	s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	s.sink.Publish(kind.Topic(), p)
}

// readLines calls fn for every line of r. Lines longer than MaxLineSize are
// cut there and the rest of the line is skipped, reading goes on with the
// next one.
func readLines(ctx context.Context, r io.Reader, fn func(line string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	var truncated bool
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				fn(string(line))
			}
			if !errors.Is(err, io.EOF) {
				slog.WarnContext(ctx, "reading worker output", "error", err)
				// keep the pipe flowing, a blocked writer would never exit
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}

		if room := MaxLineSize - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}

		if truncated {
			slog.WarnContext(ctx, "worker output line truncated", "limit", MaxLineSize)
		}
		fn(string(line))
		line = line[:0]
		truncated = false
	}
}

func counters() (runs, events metric.Int64Counter) {
	meter := otel.Meter(instrumentationName)
	var err error
	runs, err = meter.Int64Counter("telesearch.task.runs",
		metric.WithDescription("Finished task runs by terminal status."),
		metric.WithUnit("{run}"))
	if err != nil {
		slog.Warn("can't create metric", "metric", "telesearch.task.runs", "error", err)
		runs = noop.Int64Counter{}
	}
	events, err = meter.Int64Counter("telesearch.task.events",
		metric.WithDescription("Published progress events."),
		metric.WithUnit("{event}"))
	if err != nil {
		slog.Warn("can't create metric", "metric", "telesearch.task.events", "error", err)
		events = noop.Int64Counter{}
	}
	return runs, events
}
