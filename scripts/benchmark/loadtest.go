package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	totalRequests int64
	totalErrors   int64
	rateLimited   int64
	totalDuration int64 // microseconds
	minLatency    int64
	maxLatency    int64
	latencies     []int64
	mu            sync.Mutex
}

func main() {
	duration := flag.Int("duration", 30, "Test duration in seconds")
	concurrency := flag.Int("c", 20, "Number of concurrent workers")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	url := flag.String("url", "http://localhost:8080/api/v1/scrape", "Target URL")
	target := flag.String("target", "https://example.com", "Scrape target sent in each request")
	token := flag.String("token", "", "Bearer token presented to the gateway")

	flag.Parse()

	fmt.Printf("Starting load test:\n")
	fmt.Printf("  URL: %s\n", *url)
	fmt.Printf("  Target: %s\n", *target)
	fmt.Printf("  Duration: %d seconds\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target RPS: %d\n", *rps)
	fmt.Println()

	st := &stats{minLatency: 9999999999}

	var wg sync.WaitGroup
	start := time.Now()
	done := make(chan bool)

	var ticker *time.Ticker
	var rateChan <-chan time.Time
	if *rps > 0 {
		interval := time.Second / time.Duration(*rps)
		ticker = time.NewTicker(interval)
		rateChan = ticker.C
	}

	transport := &http.Transport{
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 1000,
		MaxConnsPerHost:     1000,
		IdleConnTimeout:     90 * time.Second,
	}
	sharedClient := &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
	}

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := sharedClient

			payload := map[string]interface{}{
				"url": *target,
				"options": map[string]interface{}{
					"onlyMainContent": true,
				},
			}

			for {
				select {
				case <-done:
					return
				default:
					if rateChan != nil {
						<-rateChan
					}

					reqStart := time.Now()

					body, _ := json.Marshal(payload)
					req, _ := http.NewRequest("POST", *url, bytes.NewReader(body))
					req.Header.Set("Content-Type", "application/json")
					req.Header.Set("Authorization", "Bearer "+*token)

					resp, err := client.Do(req)
					latency := time.Since(reqStart).Microseconds()

					atomic.AddInt64(&st.totalRequests, 1)
					atomic.AddInt64(&st.totalDuration, latency)

					st.mu.Lock()
					st.latencies = append(st.latencies, latency)
					st.mu.Unlock()

					for {
						old := atomic.LoadInt64(&st.minLatency)
						if latency >= old || atomic.CompareAndSwapInt64(&st.minLatency, old, latency) {
							break
						}
					}
					for {
						old := atomic.LoadInt64(&st.maxLatency)
						if latency <= old || atomic.CompareAndSwapInt64(&st.maxLatency, old, latency) {
							break
						}
					}

					if err != nil || resp.StatusCode != 200 {
						atomic.AddInt64(&st.totalErrors, 1)
					}
					if resp != nil {
						if resp.StatusCode == http.StatusTooManyRequests {
							atomic.AddInt64(&st.rateLimited, 1)
						}
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
					}
				}
			}
		}()
	}

	time.AfterFunc(time.Duration(*duration)*time.Second, func() {
		close(done)
	})

	wg.Wait()
	if ticker != nil {
		ticker.Stop()
	}

	elapsed := time.Since(start).Seconds()

	sort.Slice(st.latencies, func(i, j int) bool {
		return st.latencies[i] < st.latencies[j]
	})

	p50 := percentile(st.latencies, 0.50)
	p95 := percentile(st.latencies, 0.95)
	p99 := percentile(st.latencies, 0.99)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Benchmark Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total Requests:     %d\n", st.totalRequests)
	fmt.Printf("Total Failures:     %d\n", st.totalErrors)
	fmt.Printf("Rate Limited (429): %d\n", st.rateLimited)
	fmt.Printf("Duration:           %.2f seconds\n", elapsed)
	fmt.Printf("Requests/sec:       %.2f\n", float64(st.totalRequests)/elapsed)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Min Latency:        %.2f ms\n", float64(st.minLatency)/1000)
	fmt.Printf("P50 Latency:        %.2f ms\n", float64(p50)/1000)
	fmt.Printf("Average Latency:    %.2f ms\n", float64(st.totalDuration)/float64(st.totalRequests)/1000)
	fmt.Printf("P95 Latency:        %.2f ms\n", float64(p95)/1000)
	fmt.Printf("P99 Latency:        %.2f ms\n", float64(p99)/1000)
	fmt.Printf("Max Latency:        %.2f ms\n", float64(st.maxLatency)/1000)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Error Rate:         %.2f%%\n", float64(st.totalErrors)/float64(st.totalRequests)*100)
	fmt.Println(strings.Repeat("=", 60))
}

func percentile(latencies []int64, p float64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	index := int(float64(len(latencies)) * p)
	if index >= len(latencies) {
		index = len(latencies) - 1
	}
	return latencies[index]
}
