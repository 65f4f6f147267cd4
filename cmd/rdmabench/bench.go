package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmabench/internal/config"
	"github.com/piwi3910/rdmabench/internal/engine"
	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/target"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

func runBench(configPath, targetAddr, mode string, ioDepth, requests int) error {
	cfg, err := config.Load(configPath, config.Options{
		Target:   targetAddr,
		Mode:     mode,
		IODepth:  ioDepth,
		Requests: requests,
	})
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	fabric := verbs.NewFabric()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	tgt := target.New(fabric, cfg.Target, ec)
	g.Go(func() error {
		err := tgt.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	benchErr := runInitiator(fabric, cfg, ec)

	cancel()
	if err := g.Wait(); err != nil && benchErr == nil {
		benchErr = err
	}

	return benchErr
}

// runInitiator pushes cfg.Requests transfers through one engine, keeping the
// configured depth in flight.
func runInitiator(fabric *verbs.Fabric, cfg *config.Config, ec engine.Config) error {
	eng := engine.New(fabric, cfg.Target, ec)
	defer eng.Close()

	if err := eng.Setup(); err != nil {
		return err
	}
	if err := eng.Init(); err != nil {
		return err
	}
	if err := eng.Open(engine.RoleInitiator); err != nil {
		return err
	}

	dir := engine.DirWrite
	if ec.Mode == proto.ModeRemoteRead || ec.Mode == proto.ModeRecv {
		dir = engine.DirRead
	}

	arena := eng.Arena()
	block := int(ec.MaxBlockSize)
	if dir == engine.DirWrite {
		for i := range arena {
			arena[i] = byte(i)
		}
	}

	// One request object per arena slot, recycled as slots complete.
	free := make([]*engine.Request, ec.IODepth)
	for i := range free {
		free[i] = &engine.Request{
			Dir:         dir,
			LocalOffset: i * block,
			Length:      ec.MaxBlockSize,
			Tag:         uint64(i),
		}
	}

	var (
		issued, done int
		failed       int
		bytes        uint64
		start        = time.Now()
	)
	for done < cfg.Requests {
		for len(free) > 0 && issued < cfg.Requests {
			r := free[len(free)-1]
			r.RemoteOffset = uint64(r.LocalOffset)
			if err := eng.Submit(r); err != nil {
				if errors.Is(err, engine.ErrBusy) {
					break
				}
				return err
			}
			free = free[:len(free)-1]
			issued++
		}
		if _, err := eng.Commit(); err != nil {
			return err
		}

		if _, err := eng.Poll(1, ec.IODepth, time.Second); err != nil {
			return err
		}
		for r := eng.NextCompleted(); r != nil; r = eng.NextCompleted() {
			if r.Err != nil {
				failed++
				log.Warn().Err(r.Err).Uint64("tag", r.Tag).Msg("Transfer failed")
			} else {
				bytes += uint64(r.Length - r.Residual)
			}
			done++
			free = append(free, r)
		}
	}

	elapsed := time.Since(start)
	log.Info().
		Str("mode", ec.Mode.String()).
		Int("requests", done).
		Int("failed", failed).
		Uint64("bytes", bytes).
		Dur("elapsed", elapsed).
		Float64("mb_per_sec", float64(bytes)/1e6/elapsed.Seconds()).
		Msg("Session complete")

	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, done)
	}

	return eng.Close()
}
