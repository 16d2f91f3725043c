package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/telesearch/telesearch/internal/model"
)

// JSONProgressFlag asks a worker to print structured progress records.
const JSONProgressFlag = "--json-progress"

// Workers knows how to invoke the external worker programs.
type Workers struct {
	Interpreter  string
	Root         string   // working directory of every worker
	Env          []string // nil inherits the environment of the host
	Indexer      string
	Syncer       string
	ChatLister   string
	Searcher     string
	DefaultYears int
}

// WorkersFromConfig resolves the project root and the worker environment.
func WorkersFromConfig(ctx context.Context, cfg model.Config) (Workers, error) {
	root, err := FindRoot(cfg.Root)
	if err != nil {
		return Workers{}, err
	}

	var env []string
	if cfg.EnvFile != "" {
		env, err = loadEnv(root, cfg.EnvFile)
		if err != nil {
			return Workers{}, err
		}
		slog.DebugContext(ctx, "worker environment loaded", "env_file", cfg.EnvFile, "root", root)
	}

	return Workers{
		Interpreter:  cfg.Interpreter,
		Root:         root,
		Env:          env,
		Indexer:      cfg.Indexing.Script,
		Syncer:       cfg.Sync.Script,
		ChatLister:   cfg.Chats.Script,
		Searcher:     cfg.Search.Script,
		DefaultYears: cfg.Indexing.Years,
	}, nil
}

// Indexing builds the indexer invocation. years <= 0 picks DefaultYears.
func (w Workers) Indexing(chatID int64, years int) Command {
	if years <= 0 {
		years = w.DefaultYears
	}
	if years <= 0 {
		years = model.DefaultYears
	}
	return w.command(w.Indexer,
		"--chat-id", strconv.FormatInt(chatID, 10),
		"--years", strconv.Itoa(years),
		JSONProgressFlag,
	)
}

func (w Workers) Sync() Command {
	return w.command(w.Syncer, JSONProgressFlag)
}

func (w Workers) command(script string, args ...string) Command {
	interpreter := w.Interpreter
	if interpreter == "" {
		interpreter = model.DefaultInterpreter
	}
	return Command{
		Path: interpreter,
		Args: append([]string{script}, args...),
		Dir:  w.Root,
		Env:  w.Env,
	}
}

// loadEnv returns the host environment extended by the dotenv file. A
// relative path is resolved against root.
func loadEnv(root, path string) ([]string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}
