package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/offline"
	"github.com/meigma/offline/host"
	"github.com/meigma/offline/internal/config"
)

// installRetryInterval is how often serve retries a failed install.
const installRetryInterval = 30 * time.Second

// --- offline init ---

func initCmd(path *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolvePath(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", p)
			}
			if err := config.Save(p, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config created at %s\n", p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// --- offline serve ---

func serveCmd(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard through the offline agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(path)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.register(ctx); err != nil {
				a.logger.Warn("initial install failed, serving from network", "error", err)
				go a.retryInstall(ctx)
			}

			srv := &http.Server{
				Addr:              a.cfg.Server.Listen,
				Handler:           a.runtime,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "addr", srv.Addr, "scope", a.cfg.Agent.Scope)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) retryInstall(ctx context.Context) {
	t := time.NewTicker(installRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := a.runtime.Update(ctx)
		switch {
		case err == nil:
			a.logger.Info("agent active after retry")
			return
		case errors.Is(err, host.ErrNoPendingInstall):
			return
		}
		a.logger.Warn("retry failed", "error", err)
	}
}

// --- offline install ---

func installCmd(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Fetch the static assets into the current cache and retire old caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(path)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.register(cmd.Context()); err != nil {
				return err
			}
			b, ok, err := a.storage.Lookup(cmd.Context(), a.agent.CacheName())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("cache %s missing after install", a.agent.CacheName())
			}
			keys, err := b.Keys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Installed %s (%d entries)\n", a.agent.CacheName(), len(keys))
			for _, k := range keys {
				fmt.Fprintf(out, "  %s\n", k)
			}
			return nil
		},
	}
}

// --- offline buckets ---

func bucketsCmd(path *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "Inspect and remove cache buckets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cache buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(path)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			names, err := a.storage.Keys(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cache buckets.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tENTRIES\tCURRENT")
			for _, name := range names {
				version := "-"
				if _, v, ok := offline.ParseCacheName(name); ok {
					version = v
				}
				entries := "?"
				if b, ok, err := a.storage.Lookup(ctx, name); err == nil && ok {
					if keys, err := b.Keys(ctx); err == nil {
						entries = fmt.Sprint(len(keys))
					}
				}
				current := ""
				if name == a.agent.CacheName() {
					current = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, version, entries, current)
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a cache bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(path)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.storage.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("cache bucket %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

// --- offline push ---

func pushCmd(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push [message]",
		Short: "Deliver a push message and print the resulting notification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(path)
			if err != nil {
				return err
			}
			defer a.Close()

			var data []byte
			if len(args) == 1 {
				data = []byte(args[0])
			}
			if err := a.agent.Push(cmd.Context(), data); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.runtime.Notifications())
		},
	}
}

// --- offline sync ---

func syncCmd(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [tag]",
		Short: "Run a background sync job with host retries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			a, err := newApp(path, host.WithSyncFailureHook(func(f host.SyncFailure) {
				fmt.Fprintf(out, "attempt %d failed (last chance: %t): %v\n", f.Attempt, f.LastChance, f.Err)
			}))
			if err != nil {
				return err
			}
			defer a.Close()

			tag := a.cfg.Agent.SyncTag
			if len(args) == 1 {
				tag = args[0]
			}
			if err := a.register(cmd.Context()); err != nil {
				return err
			}
			if err := a.runtime.Sync(cmd.Context(), tag); err != nil {
				return err
			}
			fmt.Fprintf(out, "Sync %q complete\n", tag)
			return nil
		},
	}
}
