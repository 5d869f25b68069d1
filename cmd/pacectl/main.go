// pacectl is a demo harness that drives the frame-pacing engine through a
// simulated host loop: a single GPU queue backed by an in-memory backend
// instead of a real graphics API, so the pacing controller, fence worker,
// and frame-identity tracker all run exactly as they would inside a game,
// without a renderer to drive them.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framepacer/core/internal/aggregator"
	"github.com/framepacer/core/internal/config"
	"github.com/framepacer/core/internal/debugserver"
	"github.com/framepacer/core/internal/engine"
	"github.com/framepacer/core/internal/fenceworker"
	"github.com/framepacer/core/internal/identity"
	pacelog "github.com/framepacer/core/internal/log"
	"github.com/framepacer/core/internal/telemetry"
	"github.com/framepacer/core/internal/traceexport"
)

var version = "dev"

func main() {
	var (
		configPath   string
		numStages    int
		frameCount   int
		debugAddr    string
		traceDir     string
		otlpEndpoint string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "", "path to engine config YAML (unset uses built-in defaults plus env overrides)")
	flag.IntVar(&numStages, "stages", 3, "number of simulated pipeline stages")
	flag.IntVar(&frameCount, "frames", 200, "number of simulated frames to run")
	flag.StringVar(&debugAddr, "debug-addr", "", "address for the debug HTTP server (healthz/metrics/debug-stats); empty disables it")
	flag.StringVar(&traceDir, "trace-dir", "", "directory for a Chrome trace event JSON export; empty disables it")
	flag.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector endpoint for span export; empty disables tracing")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	pacelog.Configure(pacelog.Config{Level: "info", Service: "pacectl"})
	logger := pacelog.WithComponent("pacectl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath, numStages)
	if err != nil {
		logger.Fatal().Err(err).Str(pacelog.FieldEvent, "config.load_failed").Msg("failed to load engine config")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        otlpEndpoint != "",
		ServiceName:    "pacectl",
		ServiceVersion: version,
		Environment:    "demo",
		Endpoint:       otlpEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry provider")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var traceWriter *traceexport.Writer
	if traceDir != "" {
		if err := os.MkdirAll(traceDir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", traceDir).Msg("failed to create trace output directory")
		}
		traceWriter = traceexport.New(traceDir)
	}

	eng := engine.New(cfg, traceWriter)
	defer func() { _ = eng.Close() }()

	const queueName = "render"
	gpu := newSimulatedGPU()
	queueCtx, stopQueues := context.WithCancel(ctx)
	defer stopQueues()
	if err := eng.AddQueue(queueCtx, queueName, gpu, gpu.calibration, 8, 32); err != nil {
		logger.Fatal().Err(err).Msg("failed to register simulated GPU queue")
	}

	if debugAddr != "" {
		srv := debugserver.New(debugserver.Config{Addr: debugAddr, RateLimitRPS: 50, Stats: eng})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Warn().Err(err).Msg("debug server exited with error")
			}
		}()
	}

	logger.Info().
		Int("stages", cfg.NumStages).
		Int("frames", frameCount).
		Dur("target_delay", cfg.TargetDelay).
		Msg("starting simulated frame loop")

	rng := rand.New(rand.NewSource(1))
	var reflexID identity.ExternalID

frameLoop:
	for i := 0; i < frameCount; i++ {
		select {
		case <-ctx.Done():
			break frameLoop
		default:
		}

		id, target := eng.FrameBegin(ctx)
		eng.SleepUntil(ctx, target)

		reflexID++
		eng.MarkSimulationBegin(reflexID)

		for stage := 0; stage < cfg.NumStages; stage++ {
			duration := 6*time.Millisecond + time.Duration(rng.Intn(4))*time.Millisecond

			resource, err := eng.AcquireResource(ctx, queueName)
			if err != nil {
				logger.Warn().Err(err).Int("stage", stage).Msg("failed to acquire simulated GPU resource")
				continue
			}

			queued := eng.Now()
			fence := gpu.submit(resource.QuerySlot, queued, duration)

			sub := fenceworker.Submission{Queued: queued, FenceValue: fence, Resource: resource}
			if err := eng.Submit(ctx, queueName, sub); err != nil {
				logger.Warn().Err(err).Int("stage", stage).Msg("failed to submit simulated GPU work")
				continue
			}
			if err := eng.FinishStage(ctx, queueName, id, aggregator.StageId(stage)); err != nil {
				logger.Warn().Err(err).Int("stage", stage).Msg("failed to close out stage submissions")
			}
		}

		if resolved, ok := eng.PresentExternalFrame(reflexID); !ok || resolved != id {
			logger.Warn().
				Uint64(pacelog.FieldReflexID, uint64(reflexID)).
				Msg("present did not resolve to the frame it was bound to")
		}

		eng.FrameFinish(id)

		if i%50 == 0 {
			if delay, ok := eng.EstimateDelay(); ok {
				fmt.Printf("frame %d: estimated delay %s\n", i, time.Duration(delay))
			}
		}
	}

	stopQueues()
	eng.Wait()

	delay, ok := eng.EstimateDelay()
	fmt.Printf("pacectl: ran %d frames, final estimated delay: ", frameCount)
	if ok {
		fmt.Printf("%s\n", time.Duration(delay))
	} else {
		fmt.Println("none")
	}
}

func loadConfig(path string, numStages int) (config.EngineConfig, error) {
	if path != "" {
		return config.LoadFile(path, numStages)
	}
	return config.FromEnv(config.Default(numStages)), nil
}
