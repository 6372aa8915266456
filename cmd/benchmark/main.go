package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/models"
	"github.com/wcharczuk/go-chart/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	hotKeys     int
	chartPath   string
)

// Metrics
var (
	totalRequests uint64
	created       uint64
	replayed      uint64
	conflicts     uint64
	rejected      uint64
	unavailable   uint64
	failOther     uint64
	violations    uint64
)

// outcomes maps every idempotency key to the first transactionId seen for it.
var outcomes sync.Map

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | duplicate")
	flag.IntVar(&hotKeys, "keys", 20, "Number of shared keys in the duplicate workload")
	flag.StringVar(&chartPath, "chart", "", "Write a PNG bar chart of outcomes to this path")
}

func main() {
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "info", Format: "console", Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Duration("duration", duration),
	)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(ctx)
			return nil
		})
	}
	_ = g.Wait()

	results := collectResults(time.Since(start))
	printResults(results)

	if chartPath != "" {
		if err := renderChart(results, chartPath); err != nil {
			logger.Warn("chart rendering failed", zap.Error(err))
		} else {
			logger.Info("chart written", zap.String("path", chartPath))
		}
	}
	if results.Violations > 0 {
		logger.Error("idempotency violated: a key mapped to more than one transaction", zap.Uint64("violations", results.Violations))
		os.Exit(1)
	}
}

func worker(ctx context.Context) {
	client := &http.Client{Timeout: 5 * time.Second}

	for ctx.Err() == nil {
		key := nextKey()
		body, _ := json.Marshal(map[string]interface{}{
			"userId":         "bench-user",
			"amount":         "100.00",
			"currency":       "USD",
			"deviceId":       "bench-device",
			"location":       "bench",
			"idempotencyKey": key,
		})

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			var out models.SubmitResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err == nil {
				record(key, out.TransactionID)
			}
			if resp.Header.Get("Idempotent-Replayed") == "true" {
				atomic.AddUint64(&replayed, 1)
			} else {
				atomic.AddUint64(&created, 1)
			}
		case http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&unavailable, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func nextKey() string {
	if workload == "duplicate" {
		// Same payload and one of a few shared keys: every request after the
		// first for a key must replay the same transactionId.
		return fmt.Sprintf("bench-hot-%d", rand.Intn(hotKeys))
	}
	return "bench-" + uuid.NewString()
}

func record(key, transactionID string) {
	prev, loaded := outcomes.LoadOrStore(key, transactionID)
	if loaded && prev.(string) != transactionID {
		atomic.AddUint64(&violations, 1)
	}
}

type results struct {
	Workload      string  `json:"workload"`
	DurationSec   float64 `json:"duration_sec"`
	TotalRequests uint64  `json:"total_requests"`
	ThroughputTPS float64 `json:"throughput_tps"`
	Created       uint64  `json:"success_created"`
	Replayed      uint64  `json:"success_replay"`
	Conflicts     uint64  `json:"aborts_conflict"`
	ConflictRate  float64 `json:"abort_rate_pct"`
	Rejected      uint64  `json:"rejected"`
	Unavailable   uint64  `json:"unavailable"`
	Errors        uint64  `json:"errors"`
	DistinctKeys  int     `json:"distinct_keys"`
	Violations    uint64  `json:"idempotency_violations"`
}

func collectResults(d time.Duration) results {
	r := results{
		Workload:      workload,
		DurationSec:   d.Seconds(),
		TotalRequests: atomic.LoadUint64(&totalRequests),
		Created:       atomic.LoadUint64(&created),
		Replayed:      atomic.LoadUint64(&replayed),
		Conflicts:     atomic.LoadUint64(&conflicts),
		Rejected:      atomic.LoadUint64(&rejected),
		Unavailable:   atomic.LoadUint64(&unavailable),
		Errors:        atomic.LoadUint64(&failOther),
		Violations:    atomic.LoadUint64(&violations),
	}
	outcomes.Range(func(_, _ any) bool {
		r.DistinctKeys++
		return true
	})
	if r.TotalRequests > 0 {
		r.ThroughputTPS = float64(r.TotalRequests) / d.Seconds()
		r.ConflictRate = float64(r.Conflicts) / float64(r.TotalRequests) * 100
	}
	return r
}

func printResults(r results) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	for _, row := range [][]string{
		{"workload", r.Workload},
		{"duration", fmt.Sprintf("%.1fs", r.DurationSec)},
		{"requests", fmt.Sprint(r.TotalRequests)},
		{"throughput", fmt.Sprintf("%.2f req/s", r.ThroughputTPS)},
		{"created (201)", fmt.Sprint(r.Created)},
		{"replayed (201)", fmt.Sprint(r.Replayed)},
		{"conflict (409)", fmt.Sprintf("%d (%.2f%%)", r.Conflicts, r.ConflictRate)},
		{"rejected (422)", fmt.Sprint(r.Rejected)},
		{"unavailable (503)", fmt.Sprint(r.Unavailable)},
		{"other errors", fmt.Sprint(r.Errors)},
		{"distinct keys", fmt.Sprint(r.DistinctKeys)},
		{"idempotency violations", fmt.Sprint(r.Violations)},
	} {
		table.Append(row)
	}
	table.Render()

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", r.Workload)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create %s: %v\n", filename, err)
		return
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	_ = enc.Encode(r)
}

func renderChart(r results, path string) error {
	bars := []chart.Value{
		{Label: "created", Value: float64(r.Created)},
		{Label: "replayed", Value: float64(r.Replayed)},
		{Label: "conflict", Value: float64(r.Conflicts)},
		{Label: "unavailable", Value: float64(r.Unavailable)},
		{Label: "errors", Value: float64(r.Errors + r.Rejected)},
	}

	barChart := chart.BarChart{
		Title: fmt.Sprintf("%s workload - outcomes", r.Workload),
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		Width:  800,
		Height: 400,
		Bars:   bars,
	}
	barChart.YAxis.ValueFormatter = func(v interface{}) string {
		if vf, ok := v.(float64); ok {
			return fmt.Sprintf("%.0f", vf)
		}
		return ""
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return barChart.Render(chart.PNG, f)
}
