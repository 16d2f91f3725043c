package service_test

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/telesearch/telesearch/internal/event"
	"github.com/telesearch/telesearch/internal/model"
	"github.com/telesearch/telesearch/internal/service"

	"github.com/stretchr/testify/require"
)

var testWorkers = service.Workers{
	Interpreter:  "python3",
	Root:         "/srv/telesearch",
	Indexer:      "indexer.py",
	Syncer:       "sync.py",
	DefaultYears: 3,
}

func newTestSupervisor(t *testing.T) (*service.Supervisor, *fakeSpawner, *recorder) {
	t.Helper()
	spawner := newFakeSpawner()
	rec := newRecorder()
	s := service.NewSupervisor(testWorkers, rec).WithSpawner(spawner).WithGrace(0)
	t.Cleanup(s.Wait)
	return s, spawner, rec
}

func TestSupervisorCompleted(t *testing.T) {
	t.Parallel()
	s, spawner, rec := newTestSupervisor(t)

	ack, err := s.StartIndexing(t.Context(), 42, 0)
	require.NoError(t, err)
	require.NotEmpty(t, ack)
	require.True(t, s.IsIndexing())
	require.False(t, s.IsSyncing())

	proc := <-spawner.spawned
	require.Equal(t, proc.Pid(), s.Pid(model.KindIndexing))
	require.Equal(t, []service.Command{{
		Path: "python3",
		Args: []string{"indexer.py", "--chat-id", "42", "--years", "3", "--json-progress"},
		Dir:  "/srv/telesearch",
	}}, spawner.cmds)

	proc.out(
		`{"type":"start","message":"begin"}`,
		`{"type":"progress","current":1,"total":2}`,
		"Collected 5 messages",
	)
	proc.err("slow network")
	proc.finish(0)
	s.Wait()

	require.False(t, s.IsIndexing())
	require.Zero(t, s.Pid(model.KindIndexing))

	events := rec.Events(model.KindIndexing.Topic())
	require.NotEmpty(t, events)

	var stdout []string
	var diagnostics []string
	for _, e := range events[:len(events)-1] {
		require.False(t, e.Status.Terminal())
		if strings.HasPrefix(e.Message, service.StderrPrefix) {
			diagnostics = append(diagnostics, e.Message)
			continue
		}
		stdout = append(stdout, string(e.Status)+":"+e.Message)
	}
	require.Equal(t, []string{"start:begin", "progress:", "progress:Collected 5 messages"}, stdout)
	require.Equal(t, []string{"[stderr] slow network"}, diagnostics)

	last := events[len(events)-1]
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, model.Ptr(100), last.Percentage)
	require.Empty(t, rec.Events(model.KindSync.Topic()))
}

func TestSupervisorMutualExclusion(t *testing.T) {
	t.Parallel()
	s, spawner, rec := newTestSupervisor(t)

	_, err := s.StartSync(t.Context())
	require.NoError(t, err)
	first := <-spawner.spawned

	_, err = s.StartSync(t.Context())
	require.Error(t, err)
	require.ErrorIs(t, err, service.ErrAlreadyRunning)
	require.Equal(t, 1, spawner.Calls())

	t.Run("kinds are independent", func(t *testing.T) {
		_, err := s.StartIndexing(t.Context(), 7, 1)
		require.NoError(t, err)
		require.True(t, s.IsIndexing())
		require.True(t, s.IsSyncing())
		second := <-spawner.spawned
		second.finish(0)
	})

	first.finish(0)
	s.Wait()
	require.False(t, s.IsSyncing())
	require.Len(t, terminals(rec.Events(model.KindSync.Topic())), 1)
	require.Len(t, terminals(rec.Events(model.KindIndexing.Topic())), 1)

	t.Run("restart after finish", func(t *testing.T) {
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		p := <-spawner.spawned
		p.finish(0)
	})
}

func TestSupervisorConcurrentStart(t *testing.T) {
	t.Parallel()
	s, spawner, _ := newTestSupervisor(t)

	const n = 16
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := s.StartSync(t.Context())
			errs <- err
		}()
	}
	var ok int
	for range n {
		err := <-errs
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, service.ErrAlreadyRunning)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, spawner.Calls())
	(<-spawner.spawned).finish(0)
}

func TestSupervisorFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		kind     model.Kind
		stderr   []string
		code     int
		then     model.Progress
		events   int
	}{
		{
			scenario: "exit code without stderr",
			kind:     model.KindSync,
			code:     3,
			then:     model.Progress{Status: model.StatusError, Message: "sync failed: exit code 3"},
			events:   1,
		},
		{
			scenario: "exit code with stderr",
			kind:     model.KindSync,
			stderr:   []string{"a", "b"},
			code:     1,
			then:     model.Progress{Status: model.StatusError, Message: "a\nb"},
			events:   1,
		},
		{
			scenario: "indexing forwards stderr",
			kind:     model.KindIndexing,
			stderr:   []string{"Traceback"},
			code:     1,
			then:     model.Progress{Status: model.StatusError, Message: "Traceback"},
			events:   2,
		},
		{
			scenario: "interrupted",
			kind:     model.KindSync,
			code:     service.ExitCancelled,
			then:     model.Progress{Status: model.StatusCancelled, Message: "sync cancelled"},
			events:   1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s, spawner, rec := newTestSupervisor(t)
			_, err := s.Start(t.Context(), tc.kind, service.Command{Path: "worker"})
			require.NoError(t, err)

			proc := <-spawner.spawned
			proc.err(tc.stderr...)
			proc.finish(tc.code)
			s.Wait()

			events := rec.Events(tc.kind.Topic())
			require.Len(t, events, tc.events)
			require.Equal(t, tc.then, events[len(events)-1])
			require.False(t, s.IsRunning(tc.kind))
		})
	}
}

func TestSupervisorWorkerTerminalRecord(t *testing.T) {
	t.Parallel()
	s, spawner, rec := newTestSupervisor(t)

	_, err := s.StartSync(t.Context())
	require.NoError(t, err)
	proc := <-spawner.spawned
	proc.out(
		`{"type":"progress","current":8,"total":9}`,
		`{"type":"complete","message":"synced","current":9,"total":9}`,
	)
	proc.finish(0)
	s.Wait()

	events := rec.Events(model.KindSync.Topic())
	require.Len(t, events, 2)
	require.Len(t, terminals(events), 1)
	last := events[1]
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, int64(9), *last.Current)
	require.Equal(t, int64(9), *last.Total)
	require.Equal(t, 100, *last.Percentage)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	t.Parallel()
	s, spawner, rec := newTestSupervisor(t)
	spawner.err = errors.New("exec: no such file")

	_, err := s.StartIndexing(t.Context(), 1, 0)
	require.Error(t, err)
	require.ErrorContains(t, err, "no such file")
	require.False(t, s.IsIndexing())
	require.Empty(t, rec.Events(model.KindIndexing.Topic()))

	spawner.mx.Lock()
	spawner.err = nil
	spawner.mx.Unlock()
	_, err = s.StartIndexing(t.Context(), 1, 0)
	require.NoError(t, err)
	(<-spawner.spawned).finish(0)
}

func TestSupervisorCancel(t *testing.T) {
	t.Parallel()

	t.Run("idle", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		_, err := s.CancelSync(t.Context())
		require.ErrorIs(t, err, service.ErrNotRunning)
		require.Zero(t, spawner.Calls())
		require.Empty(t, rec.Events(model.KindSync.Topic()))
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		_, err := s.StartIndexing(t.Context(), 1, 0)
		require.NoError(t, err)
		proc := <-spawner.spawned
		proc.out(`{"type":"progress","current":1}`)

		ack, err := s.CancelIndexing(t.Context())
		require.NoError(t, err)
		require.NotEmpty(t, ack)
		require.Equal(t, int32(1), proc.terminated.Load())

		require.Eventually(t, func() bool { return !s.IsIndexing() }, time.Second, 5*time.Millisecond)
		events := rec.Events(model.KindIndexing.Topic())
		require.Len(t, terminals(events), 1)
		require.Equal(t, model.StatusCancelled, events[len(events)-1].Status)
	})

	t.Run("signal fails", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		spawner.prepare = func(p *fakeProc) {
			p.terminateErr = errors.New("operation not permitted")
		}
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		proc := <-spawner.spawned

		_, err = s.CancelSync(t.Context())
		require.Error(t, err)
		require.ErrorContains(t, err, "operation not permitted")
		require.True(t, s.IsSyncing())

		proc.finish(1)
		s.Wait()
		require.Equal(t, model.StatusError, rec.Events(model.KindSync.Topic())[0].Status)
	})

	t.Run("worker already handed over", func(t *testing.T) {
		t.Parallel()
		s, spawner, _ := newTestSupervisor(t)
		spawner.prepare = func(p *fakeProc) {
			p.ignoreTerminate = true
		}
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		proc := <-spawner.spawned

		// stdout ends while stderr stays open: the run owns the handle
		// and waits for stderr
		proc.closeStdout()
		require.Eventually(t, func() bool {
			_, err := s.CancelSync(t.Context())
			return errors.Is(err, service.ErrNoWorker)
		}, time.Second, 5*time.Millisecond)
		require.True(t, s.IsSyncing())

		proc.finish(0)
		s.Wait()
		require.False(t, s.IsSyncing())
	})
}

func TestSupervisorSinkPanics(t *testing.T) {
	t.Parallel()
	spawner := newFakeSpawner()
	var calls int
	sink := service.SinkFunc(func(string, model.Progress) {
		calls++
		panic("listener gone")
	})
	s := service.NewSupervisor(testWorkers, sink).WithSpawner(spawner).WithGrace(0)

	_, err := s.StartSync(t.Context())
	require.NoError(t, err)
	proc := <-spawner.spawned
	proc.out("hello")
	proc.finish(0)
	s.Wait()

	require.Equal(t, 2, calls)
	require.False(t, s.IsSyncing())
}

func TestSupervisorUnknownKind(t *testing.T) {
	t.Parallel()
	s, spawner, _ := newTestSupervisor(t)
	_, err := s.Start(t.Context(), model.Kind("backup"), service.Command{Path: "x"})
	require.ErrorIs(t, err, service.ErrUnknownKind)
	_, err = s.Cancel(t.Context(), model.Kind("backup"))
	require.ErrorIs(t, err, service.ErrUnknownKind)
	require.False(t, s.IsRunning(model.Kind("backup")))
	require.Zero(t, spawner.Calls())
}

func TestSupervisorProcess(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	run := func(t *testing.T, kind model.Kind, script string) []model.Progress {
		t.Helper()
		rec := newRecorder()
		s := service.NewSupervisor(service.Workers{}, rec)
		_, err := s.Start(t.Context(), kind, service.Command{Path: sh, Args: []string{"-c", script}})
		require.NoError(t, err)
		s.Wait()
		require.False(t, s.IsRunning(kind))
		return rec.Events(kind.Topic())
	}

	t.Run("completed", func(t *testing.T) {
		t.Parallel()
		events := run(t, model.KindIndexing, `echo '{"type":"progress","current":1,"total":2}'; echo oops 1>&2; exit 0`)
		require.Len(t, events, 3)
		require.Contains(t, events, model.Progress{Status: model.StatusProgress, Message: "[stderr] oops"})
		require.Contains(t, events, model.Progress{Status: model.StatusProgress, Current: model.Ptr[int64](1), Total: model.Ptr[int64](2)})
		require.Equal(t, model.StatusCompleted, events[2].Status)
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		events := run(t, model.KindSync, `echo a 1>&2; echo b 1>&2; exit 4`)
		require.Equal(t, []model.Progress{{Status: model.StatusError, Message: "a\nb"}}, events)
	})

	t.Run("cancelled exit code", func(t *testing.T) {
		t.Parallel()
		events := run(t, model.KindSync, `exit 130`)
		require.Equal(t, model.StatusCancelled, events[0].Status)
	})

	t.Run("spawn error", func(t *testing.T) {
		t.Parallel()
		s := service.NewSupervisor(service.Workers{}, nil)
		_, err := s.Start(t.Context(), model.KindSync, service.Command{Path: "does not exist"})
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.False(t, s.IsSyncing())
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		rec := newRecorder()
		s := service.NewSupervisor(service.Workers{}, rec)
		script := `trap 'echo "{\"type\":\"cancelling\"}"; exit 130' INT; echo '{"type":"start"}'; while :; do sleep 0.05; done`
		_, err := s.Start(t.Context(), model.KindSync, service.Command{Path: sh, Args: []string{"-c", script}})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(rec.Events(model.KindSync.Topic())) > 0
		}, 5*time.Second, 10*time.Millisecond)

		_, err = s.CancelSync(t.Context())
		require.NoError(t, err)
		s.Wait()

		events := rec.Events(model.KindSync.Topic())
		require.Equal(t, model.StatusStart, events[0].Status)
		require.Equal(t, model.StatusCancelled, events[len(events)-1].Status)
		require.Len(t, terminals(events), 1)
		require.False(t, s.IsSyncing())
	})
}

func TestSupervisorLongLines(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 2*service.MaxLineSize)

	t.Run("stdout", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		proc := <-spawner.spawned
		proc.out(
			long,
			`{"type":"progress","current":7}`,
			`{"type":"info","message":"still here"}`,
		)
		proc.finish(0)
		s.Wait()

		events := rec.Events(model.KindSync.Topic())
		require.Len(t, events, 4)
		require.Equal(t, model.StatusProgress, events[0].Status)
		require.Len(t, events[0].Message, service.MaxLineSize)
		require.Equal(t, model.Progress{Status: model.StatusProgress, Current: model.Ptr[int64](7)}, events[1])
		require.Equal(t, model.Progress{Status: model.StatusInfo, Message: "still here"}, events[2])
		require.Equal(t, model.StatusCompleted, events[3].Status)
	})

	t.Run("stderr", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		proc := <-spawner.spawned
		proc.err(long, "boom")
		proc.finish(1)
		s.Wait()

		events := rec.Events(model.KindSync.Topic())
		require.Len(t, events, 1)
		require.Equal(t, model.StatusError, events[0].Status)
		require.Len(t, events[0].Message, service.MaxLineSize+len("\nboom"))
		require.True(t, strings.HasSuffix(events[0].Message, "\nboom"))
	})

	t.Run("last line without newline", func(t *testing.T) {
		t.Parallel()
		s, spawner, rec := newTestSupervisor(t)
		_, err := s.StartSync(t.Context())
		require.NoError(t, err)
		proc := <-spawner.spawned
		_, err = proc.stdoutW.Write([]byte("Collected 3 messages"))
		require.NoError(t, err)
		proc.finish(0)
		s.Wait()

		events := rec.Events(model.KindSync.Topic())
		require.Len(t, events, 2)
		require.Equal(t, model.Ptr[int64](3), events[0].Current)
	})
}

func TestSupervisorBusKeepsTerminal(t *testing.T) {
	t.Parallel()
	spawner := newFakeSpawner()
	bus := event.NewBus(event.WithBuffer(16))
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(model.KindSync.Topic())
	s := service.NewSupervisor(testWorkers, bus).WithSpawner(spawner).WithGrace(0)

	_, err := s.StartSync(t.Context())
	require.NoError(t, err)
	proc := <-spawner.spawned
	for i := range 300 {
		proc.out(fmt.Sprintf(`{"type":"progress","current":%d}`, i))
	}
	proc.finish(0)
	s.Wait()
	bus.Close()

	var got []event.Event
	for ev := range sub.C() {
		got = append(got, ev)
	}
	require.Len(t, got, 16)
	require.Equal(t, model.StatusCompleted, got[len(got)-1].Payload.Status)
	require.Positive(t, bus.Dropped())
}
