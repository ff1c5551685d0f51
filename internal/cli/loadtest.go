package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/edusync/eduauth/tokenstore"
)

type loadtestOptions struct {
	records     int
	concurrency int
	ops         int
	redisAddr   string
	prefix      string
}

type clientState struct {
	id  string
	seq int
	mu  sync.Mutex
}

func newLoadtestCmd() *cobra.Command {
	opts := loadtestOptions{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Benchmark the Redis token store",
		Long:  "Seed client tokens, then measure concurrent restores (Load) and sign-in rotations (Take + Save).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.records <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
				return errors.New("records, concurrency, and ops must be > 0")
			}
			return runLoadtest(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.records, "records", 100000, "number of client tokens to seed")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 256, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.ops, "ops", 200000, "operations per phase (load + rotate)")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", os.Getenv("EDUSYNC_REDIS_ADDR"), "redis address; empty starts an embedded miniredis")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "edusync:loadtest", "token key prefix")
	return cmd
}

func runLoadtest(ctx context.Context, out io.Writer, opts loadtestOptions) error {
	addr := opts.redisAddr
	var cleanup func()
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		addr = mr.Addr()
		cleanup = mr.Close
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		cleanup = func() {}
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	defer cleanup()

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	store := tokenstore.NewRedisStore(client, opts.prefix)

	states := make([]clientState, opts.records)
	fmt.Fprintf(out, "seeding %d tokens...\n", opts.records)
	startSeed := time.Now()
	for i := range states {
		states[i].id = fmt.Sprintf("client-%d", i)
		if err := store.Save(ctx, states[i].id, buildRecord(i, 0)); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	fmt.Fprintf(out, "seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	loadStats := runPhase(opts.ops, opts.concurrency, len(states), func(idx int) error {
		_, err := store.Load(ctx, states[idx].id)
		return err
	})
	rotateStats := runPhase(opts.ops, opts.concurrency, len(states), func(idx int) error {
		state := &states[idx]
		state.mu.Lock()
		defer state.mu.Unlock()

		if _, err := store.Take(ctx, state.id); err != nil {
			return err
		}
		state.seq++
		return store.Save(ctx, state.id, buildRecord(idx, state.seq))
	})

	fmt.Fprintln(out, "---- results ----")
	printStats(out, "load", loadStats)
	printStats(out, "rotate", rotateStats)
	return nil
}

// runPhase spreads ops calls of op over concurrency workers, each picking
// a random record.
func runPhase(ops, concurrency, records int, op func(idx int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(worker)*7919))
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return
				}
				idx := r.IntN(records)
				t0 := time.Now()
				err := op(idx)
				d := time.Since(t0)
				if err != nil {
					failures.Add(1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func buildRecord(i, seq int) *tokenstore.Record {
	now := time.Now()
	return &tokenstore.Record{
		AccessToken: fmt.Sprintf("tok-%d-%d", i, seq),
		UserID:      fmt.Sprintf("u%d", i%1000),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(24 * time.Hour).Unix(),
	}
}
