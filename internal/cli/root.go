// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/ollama-chat/internal/app"
	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/docs"
	"github.com/jeranaias/ollama-chat/internal/events"
	"github.com/jeranaias/ollama-chat/internal/logging"
	"github.com/jeranaias/ollama-chat/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// flags shared by every command
type rootFlags struct {
	configPath string
	host       string
	model      string
	logLevel   string
	system     string
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("[Error] ")+err.Error())
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree. Without a subcommand it starts an
// interactive chat.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}

	root := &cobra.Command{
		Use:   "ollama-chat",
		Short: "Chat with local models served by Ollama",
		Long: `ollama-chat is a terminal client for an Ollama server: stream replies,
edit and regenerate messages, and pull or delete models while you chat.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "config file (default ~/.ollama-chat/config.toml)")
	pf.StringVar(&f.host, "host", "", "Ollama server URL")
	pf.StringVarP(&f.model, "model", "m", "", "model to chat with")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&f.system, "system", "", "system prompt")

	root.AddCommand(
		newAskCmd(f),
		newModelsCmd(f),
		newPullCmd(f),
		newRmCmd(f),
		newStatusCmd(f),
		newDocsCmd(f),
		newConfigCmd(f),
		newTranscriptsCmd(),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// RUNTIME
// =============================================================================

// runtime is a running application for the duration of one command.
type runtime struct {
	app    *app.App
	logger zerolog.Logger
	closer io.Closer
	docs   *docs.Store

	cancel context.CancelFunc
	errCh  chan error
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(f *rootFlags) (*config.Config, string, error) {
	path := f.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.model != "" {
		cfg.Chat.DefaultModel = f.model
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.system != "" {
		cfg.Chat.SystemPrompt = f.system
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// runtimeOptions selects what a command's runtime sets up.
type runtimeOptions struct {
	// watch reloads the config file while running.
	watch bool
	// quiet raises the console log level to warn unless a level was asked
	// for, keeping chat output readable.
	quiet bool
	// documents opens the document store for prompt context.
	documents bool
}

// newRuntime builds the application without starting it, so callers can
// subscribe before the first event.
func newRuntime(f *rootFlags, ro runtimeOptions) (*runtime, error) {
	cfg, path, err := loadConfig(f)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.Open(cfg.Log)
	if err != nil {
		return nil, err
	}
	if ro.quiet && cfg.Log.File == "" && f.logLevel == "" && logger.GetLevel() < zerolog.WarnLevel {
		logger = logger.Level(zerolog.WarnLevel)
	}
	r := &runtime{logger: logging.Component(logger, "cli"), closer: closer}

	opts := app.Options{}
	if ro.watch {
		opts.ConfigPath = path
	}
	if ro.documents {
		store, err := openDocuments(cfg, logger)
		if err != nil {
			r.logger.Warn().Err(err).Msg("documents disabled")
		} else {
			r.docs = store
			opts.Documents = store
		}
	}
	a, err := app.New(cfg, logger, opts)
	if err != nil {
		r.closeStores()
		return nil, err
	}
	r.app = a
	return r, nil
}

// openDocuments opens the document store configured in cfg.
func openDocuments(cfg *config.Config, logger zerolog.Logger) (*docs.Store, error) {
	sc, err := cfg.Docs.StoreConfig()
	if err != nil {
		return nil, err
	}
	return docs.Open(sc, logger)
}

// start runs the application in the background.
func (r *runtime) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.errCh = make(chan error, 1)
	go func() { r.errCh <- r.app.Run(ctx) }()
}

// stop shuts the application down and waits for it.
func (r *runtime) stop() error {
	r.app.Close()
	var err error
	if r.errCh != nil {
		err = <-r.errCh
		r.cancel()
	}
	r.closeStores()
	return err
}

func (r *runtime) closeStores() {
	if r.docs != nil {
		if err := r.docs.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("close document store")
		}
	}
	r.closer.Close()
}

// waiter completes when a matching event is published.
type waiter struct {
	ch    chan error
	unsub func()
}

// awaitEvent subscribes match to a's events. match returns done=true for
// the event that ends the wait, with the error to report.
func awaitEvent(a *app.App, match func(events.Event) (done bool, err error)) *waiter {
	w := &waiter{ch: make(chan error, 1)}
	w.unsub = a.Subscribe(func(e events.Event) {
		if done, err := match(e); done {
			select {
			case w.ch <- err:
			default:
			}
		}
	})
	return w
}

// wait blocks until the event arrives, ctx ends, or the app stops.
func (w *waiter) wait(ctx context.Context, a *app.App) error {
	defer w.unsub()
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.Done():
		return errors.New("application stopped")
	}
}

// modelListLoaded ends a wait on the first refresh result.
func modelListLoaded(e events.Event) (bool, error) {
	switch ev := e.(type) {
	case events.ModelListUpdated:
		return true, nil
	case events.ModelListFailed:
		return true, errors.New(FormatFailure("listing models", ev.Failure))
	}
	return false, nil
}

// interruptible returns a context cancelled by Ctrl+C.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

// =============================================================================
// CHAT
// =============================================================================

func runChat(cmd *cobra.Command, f *rootFlags) error {
	r, err := newRuntime(f, runtimeOptions{watch: true, quiet: true, documents: true})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	r.start(ctx)
	defer r.stop()

	store, err := storage.NewTranscriptStore()
	if err != nil {
		r.logger.Warn().Err(err).Msg("transcripts disabled")
		store = nil
	}
	return NewSession(ctx, r.app, store, cmd.OutOrStdout()).Run()
}

func newAskCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask PROMPT...",
		Short: "Send one prompt and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(f, runtimeOptions{quiet: true, documents: true})
			if err != nil {
				return err
			}
			ctx, cancel := interruptible(cmd)
			defer cancel()

			loaded := awaitEvent(r.app, modelListLoaded)
			view := NewView(cmd.OutOrStdout())
			unsub := r.app.Subscribe(func(e events.Event) {
				switch e.(type) {
				case events.SessionUpdated, events.GenerationCompleted,
					events.GenerationCancelled, events.GenerationFailed:
					view.Handle(e)
				}
			})
			defer unsub()

			r.start(cmd.Context())
			defer r.stop()
			if err := loaded.wait(ctx, r.app); err != nil {
				return err
			}

			ended := awaitEvent(r.app, func(e events.Event) (bool, error) {
				switch ev := e.(type) {
				case events.GenerationCompleted, events.GenerationCancelled:
					return true, nil
				case events.GenerationFailed:
					return true, ev.Failure
				}
				return false, nil
			})
			if err := r.app.Submit(ctx, strings.Join(args, " ")); err != nil {
				ended.unsub()
				return err
			}
			err = ended.wait(ctx, r.app)
			if errors.Is(err, context.Canceled) {
				_ = r.app.Stop(context.Background())
			}
			var failure events.Failure
			if errors.As(err, &failure) {
				return errors.New("generation failed")
			}
			return err
		},
	}
}

// =============================================================================
// MODELS
// =============================================================================

func newModelsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls", "list"},
		Short:   "List models on the server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := newRuntime(f, runtimeOptions{})
			if err != nil {
				return err
			}
			ctx, cancel := interruptible(cmd)
			defer cancel()

			loaded := awaitEvent(r.app, modelListLoaded)
			r.start(ctx)
			defer r.stop()
			if err := loaded.wait(ctx, r.app); err != nil {
				return err
			}
			snap, err := r.app.Snapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(FormatModels(snap.Models, snap.Model), "\n"))
			return nil
		},
	}
}

func newPullCmd(f *rootFlags) *cobra.Command {
	var insecure bool
	cmd := &cobra.Command{
		Use:   "pull NAME",
		Short: "Download a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(f, runtimeOptions{})
			if err != nil {
				return err
			}
			ctx, cancel := interruptible(cmd)
			defer cancel()

			view := NewView(cmd.OutOrStdout())
			unsub := r.app.Subscribe(func(e events.Event) {
				switch e.(type) {
				case events.ModelPullProgress, events.ModelPullDone,
					events.ModelPullCancelled, events.ModelOperationFailed:
					view.Handle(e)
				}
			})
			defer unsub()
			done := awaitEvent(r.app, func(e events.Event) (bool, error) {
				switch ev := e.(type) {
				case events.ModelPullDone:
					return true, nil
				case events.ModelPullCancelled:
					return true, errors.New("pull cancelled")
				case events.ModelOperationFailed:
					if ev.Op == events.OpPull {
						return true, errors.New("pull failed")
					}
				}
				return false, nil
			})

			r.start(cmd.Context())
			defer r.stop()
			if err := r.app.Pull(ctx, args[0], insecure); err != nil {
				done.unsub()
				return err
			}
			err = done.wait(ctx, r.app)
			if errors.Is(err, context.Canceled) {
				// Ctrl+C: cancel the download on the server side too.
				_ = r.app.CancelPull(context.Background(), args[0])
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&insecure, "insecure", false, "allow insecure registry connections")
	return cmd
}

func newRmCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"delete"},
		Short:   "Delete a model from the server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(f, runtimeOptions{})
			if err != nil {
				return err
			}
			ctx, cancel := interruptible(cmd)
			defer cancel()

			view := NewView(cmd.OutOrStdout())
			done := awaitEvent(r.app, func(e events.Event) (bool, error) {
				switch ev := e.(type) {
				case events.ModelDeleted:
					view.Handle(e)
					return true, nil
				case events.ModelOperationFailed:
					if ev.Op == events.OpDelete {
						view.Handle(e)
						return true, errors.New("delete failed")
					}
				}
				return false, nil
			})

			r.start(cmd.Context())
			defer r.stop()
			if err := r.app.Delete(ctx, args[0]); err != nil {
				done.unsub()
				return err
			}
			return done.wait(ctx, r.app)
		},
	}
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the Ollama server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := newRuntime(f, runtimeOptions{})
			if err != nil {
				return err
			}
			defer r.stop()
			ctx, cancel := interruptible(cmd)
			defer cancel()

			out := cmd.OutOrStdout()
			host, err := r.app.Ping(ctx)
			if err != nil {
				fmt.Fprintln(out, host+" "+RenderStatus("error"))
				return errors.New(FormatFailure("server", events.Classify(err)))
			}
			fmt.Fprintln(out, host+" "+RenderStatus("ok"))
			return nil
		},
	}
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// withDocuments opens the configured document store for the duration of fn.
func withDocuments(f *rootFlags, fn func(store *docs.Store) error) error {
	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, closer, err := logging.Open(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	if cfg.Log.File == "" && f.logLevel == "" && logger.GetLevel() < zerolog.WarnLevel {
		logger = logger.Level(zerolog.WarnLevel)
	}

	store, err := openDocuments(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newDocsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docs",
		Aliases: []string{"documents"},
		Short:   "Manage documents used as prompt context",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add FILE...",
			Short: "Add text documents",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDocuments(f, func(store *docs.Store) error {
					var failed int
					for _, path := range args {
						doc, err := store.Add(cmd.Context(), path)
						if err != nil {
							failed++
							fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("error")+" "+path+": "+err.Error())
							continue
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s added %s (%d chunks)\n", RenderStatus("ok"), doc.Name, doc.Chunks)
					}
					if failed > 0 {
						return fmt.Errorf("%d of %d documents not added", failed, len(args))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List stored documents",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDocuments(f, func(store *docs.Store) error {
					list, err := store.List(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(FormatDocuments(list), "\n"))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm ID|NAME|PATH",
			Short: "Remove a stored document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDocuments(f, func(store *docs.Store) error {
					doc, err := store.Remove(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("deleted")+" "+doc.Name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "search QUERY...",
			Short: "Search stored documents",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDocuments(f, func(store *docs.Store) error {
					query := strings.Join(args, " ")
					results, err := store.Search(cmd.Context(), query, 0)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(FormatSearchResults(query, results), "\n"))
					return nil
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}

	path := func() (string, error) {
		if f.configPath != "" {
			return f.configPath, nil
		}
		return config.DefaultPath()
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				p, err := path()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(f)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print one value (e.g. server.host)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := loadConfig(f)
				if err != nil {
					return err
				}
				v, err := cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Change one value and save the file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := path()
				if err != nil {
					return err
				}
				cfg, err := config.Load(p)
				if err != nil {
					return err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := config.Save(cfg, p); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("ok")+" "+args[0]+" = "+args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List configuration keys",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				for _, k := range config.Keys() {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
			},
		},
	)
	return cmd
}

// =============================================================================
// TRANSCRIPTS
// =============================================================================

func newTranscriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transcripts",
		Aliases: []string{"tr"},
		Short:   "Manage saved conversations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved conversations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := storage.NewTranscriptStore()
				if err != nil {
					return err
				}
				metas, err := store.List()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(storage.FormatList(metas), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show ID",
			Short: "Print a conversation as markdown",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := storage.NewTranscriptStore()
				if err != nil {
					return err
				}
				t, err := store.Load(args[0])
				if err != nil {
					return err
				}
				r := newMarkdownRenderer(GetTerminalWidth() - 4)
				fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(r, storage.Markdown(t)))
				return nil
			},
		},
		&cobra.Command{
			Use:   "export ID FILE",
			Short: "Write a conversation to FILE (.md or .json)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := storage.NewTranscriptStore()
				if err != nil {
					return err
				}
				t, err := store.Load(args[0])
				if err != nil {
					return err
				}
				if err := storage.ExportFile(args[1], t); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("ok")+" exported to "+args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm ID",
			Short: "Delete a saved conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := storage.NewTranscriptStore()
				if err != nil {
					return err
				}
				if err := store.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("deleted")+" "+args[0])
				return nil
			},
		},
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ollama-chat %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
