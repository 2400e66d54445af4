// benchmark hammers POST /api/v1/qr/validate with one token from many
// workers. For a one-time token the expected shape is exactly one 200 and a
// wall of 409s: the ledger's conditional update is doing its job.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	token       string
	concurrency int
	duration    time.Duration
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	alreadyUsed   uint64 // 409s
	rejected      uint64 // 400/401s
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&token, "token", "", "QR token string to validate (required)")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 10*time.Second, "Test duration")
}

func main() {
	flag.Parse()
	if token == "" {
		log.Fatal("-token is required (issue one with qrgen)")
	}
	log.Printf("Starting Benchmark | Workers: %d | Duration: %s", concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	body, _ := json.Marshal(map[string]string{"token": token})

	for time.Since(start) < duration {
		resp, err := client.Post(targetURL+"/api/v1/qr/validate", "application/json", bytes.NewReader(body))
		atomic.AddUint64(&totalRequests, 1)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&alreadyUsed, 1)
		case http.StatusBadRequest, http.StatusUnauthorized:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(elapsed time.Duration) {
	fmt.Println("--- Results ---")
	fmt.Printf("Total:        %d (%.0f req/s)\n", totalRequests, float64(totalRequests)/elapsed.Seconds())
	fmt.Printf("Success:      %d\n", success200)
	fmt.Printf("Already used: %d\n", alreadyUsed)
	fmt.Printf("Rejected:     %d\n", rejected)
	fmt.Printf("Other:        %d\n", failOther)

	if success200 > 1 {
		fmt.Println("!! more than one success for a one-time token: single-use invariant broken")
	}
}
