package service

import (
	"fmt"
	"strings"

	"github.com/telesearch/telesearch/internal/model"
)

// ExitCancelled is the exit code of a worker which stopped on an interrupt.
const ExitCancelled = 130

// Exit is the outcome of waiting for a worker.
type Exit struct {
	Code int
	Err  error // the wait itself failed
}

// Terminal derives the single terminal event of a run from how the worker
// exited. stderr holds every diagnostic line of the run. reported is the last
// terminal record the worker printed on stdout, if any; its counters are kept
// when it agrees with the exit code.
func Terminal(kind model.Kind, exit Exit, stderr []string, reported *model.Progress) model.Progress {
	var p model.Progress
	switch {
	case exit.Err != nil:
		return model.Progress{
			Status:  model.StatusError,
			Message: fmt.Sprintf("%s worker process error: %s", kind, exit.Err),
		}
	case exit.Code == 0:
		p = model.Progress{
			Status:  model.StatusCompleted,
			Message: fmt.Sprintf("%s completed", kind),
		}
	case exit.Code == ExitCancelled:
		p = model.Progress{
			Status:  model.StatusCancelled,
			Message: fmt.Sprintf("%s cancelled", kind),
		}
	default:
		p = model.Progress{
			Status:  model.StatusError,
			Message: failure(kind, exit.Code, stderr, reported),
		}
	}

	if reported != nil && reported.Status == p.Status {
		p.Current = reported.Current
		p.Total = reported.Total
		p.Percentage = reported.Percentage
		p.ElapsedSec = reported.ElapsedSec
		p.EtaSec = reported.EtaSec
		p.Rate = reported.Rate
		p.RolledBack = reported.RolledBack
	}
	if p.Status == model.StatusCompleted {
		p.Percentage = model.Ptr(100)
	}
	return p
}

func failure(kind model.Kind, code int, stderr []string, reported *model.Progress) string {
	if len(stderr) > 0 {
		return strings.Join(stderr, "\n")
	}
	if reported != nil && reported.Status == model.StatusError && reported.Message != "" {
		return fmt.Sprintf("%s (exit code %d)", reported.Message, code)
	}
	return fmt.Sprintf("%s failed: exit code %d", kind, code)
}
