// Package mirror ranks download mirrors by how quickly they serve a known
// test asset.
//
// Every mirror is probed once. Probes run on a small fixed pool of
// goroutines and the call returns only after all of them have finished,
// so a slow mirror delays the result by at most its request timeout.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sigreer/deploykit/internal/recipe"
)

const (
	// AssetPath is resolved against each mirror's base URL
	AssetPath = "../misc/u-boot-sunxi-with-spl.bin"

	// AssetChecksum is the SHA-256 of the asset at AssetPath
	AssetChecksum = "98900564fb4d9c7d3b63f44686c5b8a120af94a51fc6ca595e1406d5d8cc0416"

	DefaultWorkers = 2
	DefaultTimeout = 10 * time.Second
)

// ErrChecksumMismatch means a mirror served something other than the
// expected asset
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Result pairs a mirror with its measured latency in seconds
type Result struct {
	Mirror recipe.Mirror `json:"mirror"`
	Score  float64       `json:"score"`
}

// Benchmark holds the probe settings. Zero fields take the package defaults.
type Benchmark struct {
	Client    *http.Client
	AssetPath string
	Checksum  string
	Workers   int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// SpeedtestMirrors probes mirrors with default settings and returns the
// ones that passed, fastest first
func SpeedtestMirrors(ctx context.Context, mirrors []recipe.Mirror) []recipe.Mirror {
	results := (&Benchmark{}).Speedtest(ctx, mirrors)
	ranked := make([]recipe.Mirror, 0, len(results))
	for _, r := range results {
		ranked = append(ranked, r.Mirror)
	}
	return ranked
}

// probeOutcome is written by exactly one worker, at the mirror's own index
type probeOutcome struct {
	score float64
	err   error
}

// Speedtest probes every mirror and returns the passing ones ordered by
// ascending score. Failed mirrors are dropped.
func (b *Benchmark) Speedtest(ctx context.Context, mirrors []recipe.Mirror) []Result {
	b.applyDefaults()

	outcomes := make([]probeOutcome, len(mirrors))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < b.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				score, err := b.probe(ctx, mirrors[i].URL)
				outcomes[i] = probeOutcome{score: score, err: err}
			}
		}()
	}
	for i := range mirrors {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// Records are joined back by index, so mirrors that share a
	// localized location are still reported exactly once each.
	results := make([]Result, 0, len(mirrors))
	for i, o := range outcomes {
		if o.err != nil {
			b.Logger.Debug("mirror probe failed", "mirror", mirrors[i].Name, "url", mirrors[i].URL, "error", o.err)
			continue
		}
		results = append(results, Result{Mirror: mirrors[i], Score: o.score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score < results[j].Score
	})
	return results
}

func (b *Benchmark) applyDefaults() {
	if b.AssetPath == "" {
		b.AssetPath = AssetPath
	}
	if b.Checksum == "" {
		b.Checksum = AssetChecksum
	}
	if b.Workers <= 0 {
		b.Workers = DefaultWorkers
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}
	if b.Client == nil {
		b.Client = recipe.NewHTTPClient(0)
	}
	if b.Logger == nil {
		b.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// AssetURL resolves the test asset against a mirror base URL
func (b *Benchmark) AssetURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("mirror url %q: %w", base, err)
	}
	ref, err := url.Parse(b.AssetPath)
	if err != nil {
		return "", fmt.Errorf("asset path %q: %w", b.AssetPath, err)
	}
	return u.ResolveReference(ref).String(), nil
}

// probe downloads the asset once and returns the elapsed seconds
func (b *Benchmark) probe(ctx context.Context, base string) (float64, error) {
	assetURL, err := b.AssetURL(base)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := recipe.Get(ctx, b.Client, assetURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return 0, &recipe.NetworkError{URL: assetURL, Err: err}
	}
	elapsed := time.Since(start).Seconds()

	if sum := hex.EncodeToString(h.Sum(nil)); sum != b.Checksum {
		return 0, fmt.Errorf("%s: %w: got %s", assetURL, ErrChecksumMismatch, sum)
	}
	return elapsed, nil
}
