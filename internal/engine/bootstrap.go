package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"time"

	"offload/internal/config"
	"offload/internal/executor"
	"offload/internal/orchestrator"
	"offload/internal/pipeline"
	"offload/internal/pool"
	"offload/internal/spec"
	"offload/internal/stage"
	"offload/internal/telemetry"
	"offload/source"
)

type Config struct {
	SpecYml     string
	EngineYml   string
	MetricsPort int // 0 = from engine config
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	ecfg, err := config.LoadEngine(cfg.EngineYml)
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	f, srcConf, err := config.LoadSpec(cfg.SpecYml)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}

	e := &Engine{
		mgr:         pool.NewManager(),
		orcs:        make(map[string]*orchestrator.Orchestrator),
		printResult: f.Debug.PrintResult,
		resultMax:   f.Debug.ResultMaxBytes,
	}

	chunk := f.ChunkSize
	if chunk == 0 {
		chunk = ecfg.ChunkSize
	}

	// 1. worker programs
	for _, p := range f.Programs {
		if err := e.registerProgram(p, chunk, ecfg); err != nil {
			e.Close()
			return nil, err
		}
	}

	// 2. payload source
	if f.Source.Kind != "" {
		drv, err := source.New(f.Source.Kind)
		if err != nil {
			e.Close()
			return nil, err
		}
		if f.Source.Kind == "kafka" {
			kc, err := config.LoadKafkaConfig(srcConf)
			if err != nil {
				e.Close()
				return nil, err
			}
			if err := drv.Configure(kc); err != nil {
				e.Close()
				return nil, err
			}
		}
		e.src = drv
		e.ingest = f.Ingest
		if _, ok := e.orcs[e.ingest]; !ok {
			e.Close()
			return nil, fmt.Errorf("engine: ingest program %q not declared", e.ingest)
		}
	}

	// 3. metrics
	port := cfg.MetricsPort
	if port == 0 {
		port = ecfg.MetricsPort
	}
	telemetry.Expose(port)

	return e, nil
}

func (e *Engine) registerProgram(p spec.ProgramSpec, chunk int, ecfg config.Engine) error {
	set, opts, err := compileProgram(p, chunk)
	if err != nil {
		return fmt.Errorf("program %s: %w", p.Key, err)
	}
	limit := p.Limit
	if limit == 0 {
		limit = runtime.NumCPU()
	}
	err = e.mgr.Register(p.Key, func() (executor.Hook, error) {
		return executor.PipelineHook(opts, set), nil
	}, limit)
	if err != nil {
		return err
	}

	ocfg := orchestrator.Config{
		Key:     p.Key,
		Policy:  parsePolicy(p.Policy),
		Timeout: ecfg.DefaultTimeout,
		Grace:   ecfg.DefaultGrace,
	}
	if p.TimeoutMS > 0 {
		ocfg.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if p.GraceMS > 0 {
		ocfg.Grace = time.Duration(p.GraceMS) * time.Millisecond
	}
	orc, err := orchestrator.New(ocfg, e.mgr)
	if err != nil {
		return err
	}
	e.orcs[p.Key] = orc
	return nil
}

// compileProgram turns a declared stage chain into a per-task stage
// factory, mirroring how transformer specs become runner stages.
func compileProgram(p spec.ProgramSpec, chunk int) (executor.StageSet, pipeline.Options, error) {
	opts := pipeline.Options{ChunkSize: chunk}
	var key, nonce []byte
	for _, name := range p.Stages {
		switch name {
		case "identity", "blake2b":
		case "zstd", "unzstd":
			opts.AllowVariable = true
		case "chacha20":
			var err error
			if key, err = hex.DecodeString(p.CipherKey); err != nil {
				return nil, opts, fmt.Errorf("cipher_key: %w", err)
			}
			if nonce, err = hex.DecodeString(p.CipherNonce); err != nil {
				return nil, opts, fmt.Errorf("cipher_nonce: %w", err)
			}
		default:
			return nil, opts, fmt.Errorf("unknown stage %q", name)
		}
	}

	set := func() ([]pipeline.Stage, error) {
		out := make([]pipeline.Stage, 0, len(p.Stages))
		for _, name := range p.Stages {
			switch name {
			case "identity":
				out = append(out, stage.Identity{})
			case "chacha20":
				c, err := stage.NewCipher(key, nonce)
				if err != nil {
					return nil, err
				}
				out = append(out, c)
			case "blake2b":
				d, err := stage.NewDigest()
				if err != nil {
					return nil, err
				}
				out = append(out, d)
			case "zstd":
				s, err := stage.NewCompress()
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			case "unzstd":
				s, err := stage.NewDecompress()
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			}
		}
		return out, nil
	}
	return set, opts, nil
}

func parsePolicy(s string) orchestrator.Policy {
	switch s {
	case "single-use":
		return orchestrator.PolicySingleUse
	case "dedicated":
		return orchestrator.PolicyDedicated
	default:
		return orchestrator.PolicyPooled
	}
}
