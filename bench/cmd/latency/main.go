// Package main — bench/cmd/latency/main.go
//
// Quality Gate latency benchmark.
//
// Measures the wall-clock cost of quality.Evaluate (spec.md C6), the
// per-frame gate every captured frame runs through, and checks it against
// a p99 budget. Evaluate is documented as a sub-millisecond, pure
// function with no I/O; this tool exists to catch a regression that
// would violate that contract before it reaches a capture session under
// real frame-rate load.
//
// Method:
//  1. Generate a fixed corpus of QualityVectors spanning pass, fail, and
//     cancel outcomes, so the benchmark exercises every branch of
//     Evaluate rather than only its fast path.
//  2. Run -iterations evaluations, cycling through the corpus, timing
//     each call with time.Now()/time.Since().
//  3. Write per-iteration latencies to a CSV file and print p50/p95/p99.
//  4. Exit non-zero if p99 exceeds -budget-ms.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/ph-kyc/capture-engine/internal/model"
	"github.com/ph-kyc/capture-engine/internal/quality"
	"github.com/ph-kyc/capture-engine/internal/threshold"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Evaluate calls to measure")
	outputFile := flag.String("output", "quality_gate_latency.csv", "Output CSV file path")
	budgetMs := flag.Float64("budget-ms", 50.0, "p99 latency budget in milliseconds")
	seed := flag.Int64("seed", 1, "Random seed for the synthetic frame corpus")
	flag.Parse()

	thresholds, err := threshold.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "threshold.Load: %v\n", err)
		os.Exit(1)
	}

	corpus := syntheticCorpus(rand.New(rand.NewSource(*seed)), 256)
	stability := quality.NewStability(10)

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "outcome"})

	latenciesUs := make([]int64, *iterations)
	for i := 0; i < *iterations; i++ {
		q := corpus[i%len(corpus)]
		start := time.Now()
		result := quality.Evaluate(q, thresholds, stability)
		latency := time.Since(start)

		latenciesUs[i] = latency.Microseconds()
		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatInt(latenciesUs[i], 10),
			string(result.Outcome),
		})
	}

	p50, p95, p99 := percentilesUs(latenciesUs)
	fmt.Printf("Quality Gate Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	budgetUs := int64(*budgetMs * 1000)
	if p99 > budgetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds %dus budget\n", p99, budgetUs)
		os.Exit(1)
	}
}

// syntheticCorpus generates n QualityVectors covering cancel, fail, and
// pass outcomes in roughly equal proportion, so the benchmark's timing
// isn't skewed toward Evaluate's shortest (cancel) code path.
func syntheticCorpus(rng *rand.Rand, n int) []model.QualityVector {
	corpus := make([]model.QualityVector, n)
	for i := range corpus {
		switch i % 3 {
		case 0: // cancel: excess motion
			corpus[i] = model.QualityVector{
				Motion: 0.9, Focus: 0.8, Glare: 0.1, Corners: 0.9,
				FillRatio: 0.8, Brightness: 0.5, Contrast: 0.5, Sharpness: 0.7,
			}
		case 1: // fail: fill ratio below minimum
			corpus[i] = model.QualityVector{
				Motion: 0.05, Focus: 0.8, Glare: 0.05, Corners: 0.9,
				FillRatio: 0.1, Brightness: 0.5, Contrast: 0.5, Sharpness: 0.7,
			}
		default: // pass, with small jitter so the corpus isn't degenerate
			corpus[i] = model.QualityVector{
				Motion: 0.02 + rng.Float64()*0.02, Focus: 0.85 + rng.Float64()*0.1,
				Glare: 0.02 + rng.Float64()*0.02, Corners: 0.9 + rng.Float64()*0.08,
				FillRatio: 0.85 + rng.Float64()*0.1, Brightness: 0.55 + rng.Float64()*0.1,
				Contrast: 0.55 + rng.Float64()*0.1, Sharpness: 0.75 + rng.Float64()*0.1,
			}
		}
	}
	return corpus
}

func percentilesUs(latenciesUs []int64) (p50, p95, p99 int64) {
	sorted := append([]int64(nil), latenciesUs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return rank(sorted, 0.50), rank(sorted, 0.95), rank(sorted, 0.99)
}

func rank(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
