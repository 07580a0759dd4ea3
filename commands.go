package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/spf13/cobra"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/handlers"
	"github.com/felo/eml-store/internal/indexer"
	"github.com/felo/eml-store/internal/metrics"
)

func serveCmd() *cobra.Command {
	var indexOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			m := metrics.New(time.Now())

			if indexOnStart {
				if _, err := os.Stat(a.cfg.EmailsPath); err == nil {
					a.logger.Info("indexing emails", "path", a.cfg.EmailsPath)
					if result, err := a.index(cmd.Context(), m, a.cfg.EmailsPath); err != nil {
						a.logger.Warn("indexing failed", "err", err)
					} else {
						logResult(a, result)
					}
				} else {
					a.logger.Info("emails directory not found, skipping index", "path", a.cfg.EmailsPath)
				}
			}

			h := handlers.New(a.db, a.cfg, a.logger, m)
			srv := &http.Server{
				Addr:         a.cfg.Address(),
				Handler:      h.Routes(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 5 * time.Minute, // large messages stream slowly
				IdleTimeout:  60 * time.Second,
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				a.logger.Info("starting server", "url", a.cfg.URL(), "backend", a.cfg.Content.Backend)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errChan <- err
				}
			}()

			select {
			case <-sigChan:
				a.logger.Info("shutting down gracefully")
			case err := <-errChan:
				return fmt.Errorf("server failed: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("server shutdown error", "err", err)
			}

			a.logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&indexOnStart, "index", false, "Import the emails directory before serving")
	return cmd
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index [dir]",
		Short: "Import .eml and mbox files from a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			dir := a.cfg.EmailsPath
			if len(args) == 1 {
				dir = args[0]
			}

			result, err := a.index(cmd.Context(), nil, dir)
			if err != nil {
				return err
			}
			logResult(a, result)
			return nil
		},
	}
}

func importMboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-mbox <file>",
		Short: "Import every message of an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			mb, err := a.db.EnsureMailbox(cmd.Context(), a.cfg.Mailbox, "")
			if err != nil {
				return err
			}

			result, err := a.indexer(nil, "").ImportMbox(cmd.Context(), mb.ID, args[0])
			if err != nil {
				return err
			}
			logResult(a, result)
			return nil
		},
	}
}

func exportMboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-mbox <file>",
		Short: "Write the mailbox to an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			mb, err := a.mailbox(cmd.Context())
			if err != nil {
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}

			n, err := indexer.ExportMbox(cmd.Context(), a.db, mb.ID, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			a.logger.Info("export complete", "mailbox", mb.Name, "messages", n, "file", args[0])
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	var bodyOnly bool

	cmd := &cobra.Command{
		Use:   "cat <uid>",
		Short: "Write a message to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			mb, err := a.mailbox(cmd.Context())
			if err != nil {
				return err
			}

			m, err := a.db.GetMessage(cmd.Context(), mb.ID, uid)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("%w: %s uid %d", db.ErrMessageNotFound, mb.Name, uid)
			}

			var rc io.ReadCloser
			if bodyOnly {
				rc, err = m.BodyContent(cmd.Context())
			} else {
				rc, err = m.FullContent(cmd.Context())
			}
			if err != nil {
				return err
			}
			defer rc.Close()

			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	cmd.Flags().BoolVar(&bodyOnly, "body", false, "Write only the content after the header block")
	return cmd
}

func copyCmd() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "copy <uid>",
		Short: "Copy a message into another mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			src, err := a.mailbox(cmd.Context())
			if err != nil {
				return err
			}
			dst, err := a.db.EnsureMailbox(cmd.Context(), to, "")
			if err != nil {
				return err
			}

			dup, err := a.db.CopyMessage(cmd.Context(), src.ID, uid, dst.ID)
			if err != nil {
				return err
			}

			a.logger.Info("message copied", "from", src.Name, "uid", uid, "to", dst.Name, "new_uid", dup.UID())
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Destination mailbox, created if missing")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func mailboxesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mailboxes",
		Short: "List mailboxes with their message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			mailboxes, err := a.db.ListMailboxes(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, mb := range mailboxes {
				count, err := a.db.CountMessages(cmd.Context(), mb.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d messages\tuidnext %d\n", mb.Name, count, mb.NextUID)
			}
			return nil
		},
	}
}

func (a *app) indexer(m *metrics.Metrics, dir string) *indexer.Indexer {
	idx := indexer.NewIndexer(a.db, dir, a.logger)
	if m != nil {
		idx = idx.WithMetrics(m)
	}
	if a.cfg.Index.Workers > 0 {
		idx = idx.WithConcurrency(a.cfg.Index.Workers)
	}
	return idx
}

func (a *app) index(ctx context.Context, m *metrics.Metrics, dir string) (*indexer.IndexResult, error) {
	mb, err := a.db.EnsureMailbox(ctx, a.cfg.Mailbox, "")
	if err != nil {
		return nil, err
	}
	return a.indexer(m, dir).IndexAll(ctx, mb.ID, func(current int, key string) {
		a.logger.Debug("indexed", "n", current, "source", key)
	})
}

// mailbox loads the configured mailbox, which must already exist
func (a *app) mailbox(ctx context.Context) (*db.Mailbox, error) {
	mb, err := a.db.GetMailbox(ctx, a.cfg.Mailbox)
	if err != nil {
		return nil, err
	}
	if mb == nil {
		return nil, fmt.Errorf("%w: %s", db.ErrMailboxNotFound, a.cfg.Mailbox)
	}
	return mb, nil
}

func logResult(a *app, result *indexer.IndexResult) {
	a.logger.Info("indexing complete",
		"found", result.TotalFound,
		"new", result.NewIndexed,
		"skipped", result.Skipped,
		"failed", result.Failed)
	for _, f := range result.FailedFiles {
		a.logger.Warn("import failed", "source", f)
	}
}

func parseUID(s string) (imap.UID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid uid %q", s)
	}
	return imap.UID(n), nil
}
