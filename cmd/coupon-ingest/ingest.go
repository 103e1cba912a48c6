package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-ledger/internal/domain/coupon"
	"github.com/xenking/promo-ledger/internal/domain/failure"
)

const (
	bloomFPR      = 0.000001
	progressEvery = 100_000
)

type ingestConfig struct {
	Files    []string
	Template coupon.CreateParams
	Workers  int
	// Expected sizes the bloom filter.
	Expected uint
}

type ingestResult struct {
	Read       int64
	Created    int64
	Duplicates int64
	Existing   int64
	Rejected   int64
}

// ingest streams every file concurrently, drops codes already seen in this
// run and creates the rest through the coupon service with cfg.Workers
// writers. A code that the bloom filter reports as seen is skipped, so with
// probability bloomFPR a fresh code is counted as a duplicate.
func ingest(ctx context.Context, lg *zap.Logger, svc *coupon.Service, cfg ingestConfig) (*ingestResult, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Expected == 0 {
		cfg.Expected = 1024
	}
	template := cfg.Template
	template.Type = coupon.TypeSingleUse

	var (
		read, duplicates          int64
		created, existing, reject atomic.Int64
	)
	lines := make(chan string, 4096)
	codes := make(chan string, 1024)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		rg, rctx := errgroup.WithContext(gctx)
		for _, path := range cfg.Files {
			rg.Go(func() error {
				return streamGzFile(rctx, path, lines)
			})
		}
		return rg.Wait()
	})

	g.Go(func() error {
		defer close(codes)
		seen := bloom.NewWithEstimates(cfg.Expected, bloomFPR)
		for line := range lines {
			code := coupon.NormalizeCode(line)
			if code == "" || strings.HasPrefix(code, "#") {
				continue
			}
			read++
			if read%progressEvery == 0 {
				lg.Info("Ingest progress", zap.Int64("read", read), zap.Int64("created", created.Load()))
			}
			if seen.TestOrAddString(code) {
				duplicates++
				continue
			}
			select {
			case codes <- code:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range cfg.Workers {
		g.Go(func() error {
			for code := range codes {
				p := template
				p.Code = code
				p.MaxUses = lo.ToPtr(1)
				_, err := svc.Create(gctx, p)
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, coupon.ErrCodeTaken):
					existing.Add(1)
				case failure.HasCode(err, failure.InvalidRequest):
					reject.Add(1)
					lg.Debug("Code rejected", zap.String("code", code), zap.Error(err))
				default:
					return errors.Wrapf(err, "create %s", code)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ingestResult{
		Read:       read,
		Created:    created.Load(),
		Duplicates: duplicates,
		Existing:   existing.Load(),
		Rejected:   reject.Load(),
	}, nil
}

// streamGzFile sends every line of a gzip file to out.
func streamGzFile(ctx context.Context, path string, out chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
