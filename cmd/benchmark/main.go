// Benchmark tool for load testing the Regelwerk calculation API.
//
// Usage:
//
//	go run ./cmd/benchmark -rule rule.json -csv measurements.csv -url http://localhost:8080
//
// This tool:
//  1. Reads component measurements from CSV, one calculation per row
//  2. Sends each row to POST /calculate with the rule from -rule (or -rule-id)
//  3. Compares the result with the optional "expected" column
//  4. Reports throughput, latency percentiles, cache hits and mismatches
//
// The CSV header names the component column "komponente"; every other column
// except "expected" is an attribute of that component.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Measurement is one CSV row.
type Measurement struct {
	Line       int
	Components map[string]map[string]decimal.Decimal
	Expected   decimal.NullDecimal
}

// CalculateRequest is the POST /calculate request format.
type CalculateRequest struct {
	RuleIDs    []string                              `json:"ruleIds,omitempty"`
	Rule       json.RawMessage                       `json:"rule,omitempty"`
	Components map[string]map[string]decimal.Decimal `json:"components"`
}

// CalculateResponse is the part of the calculation the benchmark reads.
type CalculateResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"` // "OK", "PARTIAL" or "ERROR"
	Results []struct {
		RuleID string              `json:"ruleId"`
		Value  decimal.NullDecimal `json:"value"`
		Error  string              `json:"error"`
	} `json:"results"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64 // transport errors and non-200 responses
	RuleErrors     int64 // calculations with status ERROR
	CacheHits      int64

	Matches    int64
	Mismatches int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// percentile returns the p-th percentile latency; latencies must be sorted.
func (m *Metrics) percentile(p float64) time.Duration {
	if len(m.latencies) == 0 {
		return 0
	}
	idx := int(p / 100 * float64(len(m.latencies)-1))
	return m.latencies[idx]
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to measurements CSV file")
	rulePath := flag.String("rule", "", "Path to a rule tree sent inline with every request")
	ruleID := flag.String("rule-id", "", "ID of a stored rule (alternative to -rule)")
	baseURL := flag.String("url", "http://localhost:8080", "Regelwerk base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum rows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	repeat := flag.Int("repeat", 1, "Send every row this many times (exercises the result cache)")
	verbose := flag.Bool("verbose", false, "Print each calculation result")
	flag.Parse()

	if *csvPath == "" || (*rulePath == "") == (*ruleID == "") {
		fmt.Println("Usage: benchmark -csv measurements.csv (-rule rule.json | -rule-id id) [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	req := CalculateRequest{}
	if *ruleID != "" {
		req.RuleIDs = []string{*ruleID}
	} else {
		rule, err := os.ReadFile(*rulePath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read rule: %v\n", err)
			os.Exit(1)
		}
		req.Rule = rule
	}

	fmt.Println("REGELWERK BENCHMARK")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Repeat:      %d\n", *repeat)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Regelwerk not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Regelwerk is running:")
		fmt.Println("  go run ./cmd/regelwerk serve")
		os.Exit(1)
	}
	fmt.Println("Regelwerk is healthy")

	fmt.Printf("\nReading measurements from %s...\n", *csvPath)
	rows, err := readMeasurements(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d rows\n", len(rows))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, req, *baseURL, *tenantID, *workers, *repeat, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readMeasurements(path string, limit int) ([]Measurement, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	compCol, ok := colIndex["komponente"]
	if !ok {
		return nil, errors.New("header has no komponente column")
	}
	expectedCol, hasExpected := colIndex["expected"]

	var rows []Measurement
	line := 1

	for {
		record, err := reader.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		attrs := make(map[string]decimal.Decimal)
		for i, col := range header {
			if i == compCol || (hasExpected && i == expectedCol) {
				continue
			}
			v, err := decimal.NewFromString(strings.TrimSpace(record[i]))
			if err != nil {
				continue // empty or non-numeric cell
			}
			attrs[strings.TrimSpace(col)] = v
		}

		m := Measurement{
			Line:       line,
			Components: map[string]map[string]decimal.Decimal{record[compCol]: attrs},
		}
		if hasExpected {
			if v, err := decimal.NewFromString(strings.TrimSpace(record[expectedCol])); err == nil {
				m.Expected = decimal.NewNullDecimal(v)
			}
		}

		rows = append(rows, m)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func runBenchmark(rows []Measurement, base CalculateRequest, baseURL, tenantID string, numWorkers, repeat int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Measurement, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				req := base
				req.Components = row.Components

				start := time.Now()
				result, cached, err := calculate(client, baseURL, tenantID, req)
				metrics.record(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d -> %v\n", row.Line, err)
					}
					continue
				}
				if cached {
					atomic.AddInt64(&metrics.CacheHits, 1)
				}
				if result.Status == "ERROR" {
					atomic.AddInt64(&metrics.RuleErrors, 1)
				}

				var value decimal.NullDecimal
				if len(result.Results) > 0 {
					value = result.Results[0].Value
				}

				match := true
				if row.Expected.Valid {
					match = value.Valid && value.Decimal.Equal(row.Expected.Decimal)
					if match {
						atomic.AddInt64(&metrics.Matches, 1)
					} else {
						atomic.AddInt64(&metrics.Mismatches, 1)
					}
				}

				if verbose {
					status := "ok"
					if !match {
						status = "MISMATCH"
					}
					got := "null"
					if value.Valid {
						got = value.Decimal.String()
					}
					fmt.Printf("%-8s line %-6d | Status: %-7s | Value: %12s | Cached: %v\n",
						status, row.Line, result.Status, got, cached)
				}
			}
		}()
	}

	for r := 0; r < repeat; r++ {
		for _, row := range rows {
			work <- row
		}
	}
	close(work)

	wg.Wait()

	slices.Sort(metrics.latencies)
	return metrics
}

func calculate(client *http.Client, baseURL, tenantID string, req CalculateRequest) (*CalculateResponse, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result CalculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, err
	}

	return &result, resp.Header.Get("X-Cache") == "HIT", nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Rule Errors:      %d\n", m.RuleErrors)
	fmt.Printf("   Cache Hits:       %d\n", m.CacheHits)

	if m.Matches+m.Mismatches > 0 {
		fmt.Printf("\nEXPECTED VALUES\n")
		fmt.Printf("   Matches:          %d\n", m.Matches)
		fmt.Printf("   Mismatches:       %d\n", m.Mismatches)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
		fmt.Printf("   Latency p50:      %v\n", m.percentile(50).Round(time.Microsecond))
		fmt.Printf("   Latency p95:      %v\n", m.percentile(95).Round(time.Microsecond))
		fmt.Printf("   Latency p99:      %v\n", m.percentile(99).Round(time.Microsecond))
		fmt.Printf("   Latency max:      %v\n", m.percentile(100).Round(time.Microsecond))
	}

	fmt.Println()
}
