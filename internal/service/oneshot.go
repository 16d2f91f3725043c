package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/telesearch/telesearch/internal/model"
)

// MinQueryLength is the shortest accepted search query, in characters.
const MinQueryLength = 3

var ErrQueryTooShort = fmt.Errorf("search query must be at least %d characters", MinQueryLength)

// SearchRequest is a single search. Zero Limit and ChatID mean unset.
type SearchRequest struct {
	Query  string
	Limit  int
	ChatID int64
}

// ListChats runs the chat lister and decodes its JSON answer.
func (w Workers) ListChats(ctx context.Context) (model.ChatList, error) {
	cmd := w.command(w.ChatLister, "--format", "json")
	return runJSON[model.ChatList](ctx, cmd)
}

// Search validates req and runs one search query.
func (w Workers) Search(ctx context.Context, req SearchRequest) (model.SearchResponse, error) {
	if utf8.RuneCountInString(req.Query) < MinQueryLength {
		return model.SearchResponse{}, ErrQueryTooShort
	}
	return runJSON[model.SearchResponse](ctx, w.SearchCommand(req))
}

func (w Workers) SearchCommand(req SearchRequest) Command {
	args := []string{"--json", req.Query}
	if req.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(req.Limit))
	}
	if req.ChatID != 0 {
		args = append(args, "--chat-id", strconv.FormatInt(req.ChatID, 10))
	}
	return w.command(w.Searcher, args...)
}

func runJSON[T any](ctx context.Context, c Command) (T, error) {
	var zero T
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return zero, fmt.Errorf("%s failed: %s", script(c), strings.TrimSpace(stderr.String()))
		}
		return zero, fmt.Errorf("executing %s: %w", script(c), err)
	}

	var ret T
	if err := json.Unmarshal(stdout, &ret); err != nil {
		return zero, fmt.Errorf("parsing %s output: %w: %s", script(c), err, stdout)
	}
	return ret, nil
}

func script(c Command) string {
	if len(c.Args) > 0 {
		return c.Args[0]
	}
	return c.Path
}
