package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/session"
)

type benchResult struct {
	session string
	runs    int
	total   time.Duration
}

func newBenchCmd(rt *runtimeFlags) *cobra.Command {
	sf := &sessionFlags{}
	ff := &feedFlags{}
	var sessions, runs int
	cmd := &cobra.Command{
		Use:   "bench MODEL",
		Short: "Run a model repeatedly on independent sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessions < 1 || runs < 1 {
				return fmt.Errorf("--sessions and --runs must be positive")
			}
			return benchHandler(cmd.Context(), cmd.OutOrStdout(), rt, sf, ff, args[0], sessions, runs)
		},
	}
	sf.register(cmd)
	ff.register(cmd)
	cmd.Flags().IntVar(&sessions, "sessions", 4, "Number of concurrent sessions")
	cmd.Flags().IntVar(&runs, "runs", 100, "Runs per session")
	return cmd
}

func benchHandler(ctx context.Context, w io.Writer, rt *runtimeFlags, sf *sessionFlags, ff *feedFlags, path string, sessions, runs int) error {
	data, model, err := readModel(path)
	if err != nil {
		return err
	}
	opts, err := sf.options()
	if err != nil {
		return err
	}

	be, err := rt.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close(ctx)
	if err := sf.prepare(ctx, be); err != nil {
		return err
	}

	results := make([]benchResult, sessions)
	g, gctx := errgroup.WithContext(ctx)
	for i := range sessions {
		g.Go(func() error {
			feeds, err := ff.feeds(model)
			if err != nil {
				return err
			}
			sess, err := session.Create(gctx, be, backend.FromBytes(data), opts)
			if err != nil {
				return err
			}
			defer sess.Release(ctx)

			start := time.Now()
			for range runs {
				out, err := sess.Run(gctx, feeds, session.Names(ff.fetches...), nil)
				if err != nil {
					return err
				}
				for _, t := range out {
					_ = t.Dispose()
				}
			}
			results[i] = benchResult{
				session: strconv.FormatUint(uint64(sess.ID()), 10),
				runs:    runs,
				total:   time.Since(start),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	table := newTable(w, "SESSION", "RUNS", "TOTAL", "PER RUN")
	var total time.Duration
	for _, r := range results {
		total += r.total
		table.Append([]string{
			r.session,
			strconv.Itoa(r.runs),
			r.total.Round(time.Microsecond).String(),
			(r.total / time.Duration(r.runs)).Round(time.Microsecond).String(),
		})
	}
	table.Render()
	fmt.Fprintf(w, "\n%d runs, %s per run\n", sessions*runs, (total / time.Duration(sessions*runs)).Round(time.Microsecond))
	return nil
}
