package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
	"scenegen/internal/pipeline"
	"scenegen/internal/service"
)

// outcomeLine is one line of the JSON report written to stdout.
type outcomeLine struct {
	EntityID   int    `json:"entity_id"`
	SequenceID int    `json:"sequence_id"`
	OK         bool   `json:"ok"`
	TaskID     string `json:"task_id,omitempty"`
	URL        string `json:"url,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

func main() {
	var (
		manifestFlag string
		envFlag      string
		limitFlag    int
	)
	flag.StringVar(&manifestFlag, "manifest", "", "JSON file holding an array of generation requests (- for stdin)")
	flag.StringVar(&envFlag, "env", "", "environment to run in (development, release); defaults to GENERATION_ENV")
	flag.IntVar(&limitFlag, "limit", 0, "max concurrent generations (<=0 uses BATCH_CONCURRENCY)")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(manifestFlag) == "" {
		exitWithError(errors.New("-manifest is required"))
	}
	reqs, err := readManifest(manifestFlag)
	if err != nil {
		exitWithError(err)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	env, err := cfg.Environment(envFlag)
	if err != nil {
		exitWithError(err)
	}
	limit := limitFlag
	if limit <= 0 {
		limit = cfg.BatchConcurrency
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		exitWithError(err)
	}
	defer svc.Close()

	waves := planWaves(reqs)
	logger.Info().Str("env", env.Name).Int("requests", len(reqs)).Int("waves", len(waves)).Int("limit", limit).Msg("worker: batch starting")

	failed := 0
	enc := json.NewEncoder(os.Stdout)
	for _, wave := range waves {
		if ctx.Err() != nil {
			break
		}
		for _, out := range svc.Pipeline.RunBatch(ctx, env, wave, limit) {
			line := report(out)
			if !line.OK {
				failed++
			}
			_ = enc.Encode(line)
		}
	}

	logger.Info().Int("failed", failed).Msg("worker: batch finished")
	if failed > 0 || ctx.Err() != nil {
		svc.Close()
		os.Exit(1)
	}
}

func readManifest(name string) ([]domain.GenerationRequest, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		defer f.Close()
		r = f
	}
	var reqs []domain.GenerationRequest
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(reqs) == 0 {
		return nil, errors.New("manifest holds no requests")
	}
	return reqs, nil
}

// planWaves orders each entity's requests by sequence and puts the k-th
// request of every entity into wave k, so a scene always runs after the one
// it conditions on while different entities run side by side.
func planWaves(reqs []domain.GenerationRequest) [][]domain.GenerationRequest {
	sorted := append([]domain.GenerationRequest(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EntityID != sorted[j].EntityID {
			return sorted[i].EntityID < sorted[j].EntityID
		}
		return sorted[i].SequenceID < sorted[j].SequenceID
	})

	var waves [][]domain.GenerationRequest
	depth := make(map[int]int)
	for _, req := range sorted {
		k := depth[req.EntityID]
		depth[req.EntityID] = k + 1
		if k == len(waves) {
			waves = append(waves, nil)
		}
		waves[k] = append(waves[k], req)
	}
	return waves
}

func report(out pipeline.Outcome) outcomeLine {
	line := outcomeLine{EntityID: out.Request.EntityID, SequenceID: out.Request.SequenceID}
	if out.Err != nil {
		line.Error = out.Err.Error()
		return line
	}
	line.OK = true
	line.TaskID = out.Result.Task.ID
	line.URL = out.Result.URL
	line.LocalPath = out.Result.LocalPath
	return line
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "worker: %v\n", err)
	os.Exit(1)
}
