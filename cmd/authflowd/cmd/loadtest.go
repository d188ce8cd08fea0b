package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/kv/redisstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	ltUsers       int
	ltLogins      int
	ltConcurrency int
	ltRPS         float64
	ltRedisAddr   string
	ltJWT         bool
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure password login and Authenticate latency against an in-process engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ltUsers <= 0 || ltLogins <= 0 || ltConcurrency <= 0 {
			return errors.New("users, logins and concurrency must be > 0")
		}
		return runLoadtest(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(loadtestCmd)
	loadtestCmd.Flags().IntVar(&ltUsers, "users", 200, "users to seed")
	loadtestCmd.Flags().IntVar(&ltLogins, "logins", 2000, "logins per phase")
	loadtestCmd.Flags().IntVar(&ltConcurrency, "concurrency", 32, "concurrent workers")
	loadtestCmd.Flags().Float64Var(&ltRPS, "rps", 0, "pace logins to this rate; 0 means unpaced")
	loadtestCmd.Flags().StringVar(&ltRedisAddr, "redis-addr", "", "redis address; miniredis is used when empty")
	loadtestCmd.Flags().BoolVar(&ltJWT, "jwt", false, "issue JWTs instead of session tokens")
}

func runLoadtest(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	addr := ltRedisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("starting miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := authflow.DefaultConfig()
	// An empty spec turns an action's limits off; every worker shares one IP.
	cfg.RateLimits = map[string]string{}
	for action := range authflow.DefaultRateLimits() {
		cfg.RateLimits[action] = ""
	}
	if ltJWT {
		cfg.TokenStrategy = authflow.StrategyJWT
		cfg.JWT.SigningMethod = "hs256"
		cfg.JWT.PrivateKey = []byte("loadtest-only-signing-key-32byte")
	}

	dir := directory.NewMemory()
	engine, err := authflow.New().
		WithConfig(cfg).
		WithStore(redisstore.New(client, "lt")).
		WithDirectory(dir).
		WithLogger(log.New("", false)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	emails := make([]string, ltUsers)
	start := time.Now()
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@loadtest.invalid", i)
		u, err := dir.CreateUser(ctx, directory.User{Email: emails[i], Active: true})
		if err != nil {
			return err
		}
		if err := engine.EnrollPassword(ctx, u.ID, "loadtest password"); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "seeded %d users in %s\n", ltUsers, time.Since(start).Round(time.Millisecond))

	var (
		tokMu  sync.Mutex
		tokens []string
	)
	login := func(i int) error {
		res, err := engine.StartLogin(ctx, authflow.LoginRequest{Identifier: emails[i%len(emails)]})
		if err != nil {
			return err
		}
		res, err = engine.SubmitStage(ctx, res.FlowID, authflow.Submission{Stage: authflow.StagePassword, Value: "loadtest password"})
		if err != nil {
			return err
		}
		if res.Tokens == nil {
			return fmt.Errorf("login %d did not complete: %v", i, res.State)
		}
		tok := res.Tokens.SessionToken
		if ltJWT {
			tok = res.Tokens.AccessToken
		}
		tokMu.Lock()
		tokens = append(tokens, tok)
		tokMu.Unlock()
		return nil
	}
	printPhase(out, "login", runPhase(ctx, ltLogins, ltConcurrency, ltRPS, login))

	authenticate := func(i int) error {
		_, err := engine.Authenticate(ctx, tokens[i%len(tokens)])
		return err
	}
	if len(tokens) > 0 {
		printPhase(out, "authenticate", runPhase(ctx, ltLogins, ltConcurrency, 0, authenticate))
	}
	return nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p99      time.Duration
}

// runPhase calls op ops times from concurrency workers. A positive rps paces
// the calls with a shared token bucket.
func runPhase(ctx context.Context, ops, concurrency int, rps float64, op func(i int) error) phaseStats {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), concurrency)
	}

	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						atomic.AddInt64(&failures, 1)
						return
					}
				}
				t0 := time.Now()
				err := op(i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return phaseStats{
		total:    time.Since(start),
		ops:      len(latencies),
		failures: failures,
		p50:      percentile(latencies, 50),
		p99:      percentile(latencies, 99),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	return samples[(len(samples)-1)*p/100]
}

func printPhase(out io.Writer, name string, s phaseStats) {
	var perSec float64
	if s.total > 0 {
		perSec = float64(s.ops) / s.total.Seconds()
	}
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p99=%s\n",
		name, s.ops, s.failures, s.total.Round(time.Millisecond), perSec,
		s.p50.Round(time.Microsecond), s.p99.Round(time.Microsecond))
}
