package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numSandboxes   = 3
	minTrades      = 10
	maxTrades      = 60
	numWorkers     = 5
	serverAddress  = "http://localhost:8080"
	simUsername    = "demo"
	simPassword    = "demo-password"
	initialBalance = 100000
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the sandbox API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	mu        sync.Mutex
	stats     map[string]*routeStats
}

// newSimulationClient creates and authenticates a new simulation client
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"create":    {name: "Create Sandbox"},
			"trade":     {name: "Execute Trade"},
			"portfolio": {name: "Get Portfolio"},
			"list":      {name: "List Sandboxes"},
		},
	}

	if err := sc.authenticate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	stats := sc.stats[route]
	stats.addDuration(time.Since(start))
	if err != nil {
		stats.failures++
	}
}

// doJSON performs a request with the auth token and decodes the envelope
func (sc *simulationClient) doJSON(method, path string, body interface{}, headers map[string]string) (map[string]interface{}, error) {
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}

	if success, _ := envelope["success"].(bool); !success {
		return envelope, fmt.Errorf("request failed: %v", envelope["error"])
	}
	return envelope, nil
}

func (sc *simulationClient) authenticate() error {
	start := time.Now()
	envelope, err := sc.doJSON(http.MethodPost, "/api/v1/auth/token", map[string]string{
		"username": simUsername,
		"password": simPassword,
	}, nil)
	sc.record("auth", start, err)
	if err != nil {
		return err
	}

	data, _ := envelope["data"].(map[string]interface{})
	token, _ := data["jwt_token"].(string)
	if token == "" {
		return fmt.Errorf("no token in auth response")
	}
	sc.authToken = token
	return nil
}

func (sc *simulationClient) createSandbox(name string) (string, error) {
	start := time.Now()
	envelope, err := sc.doJSON(http.MethodPost, "/api/v1/sandboxes", map[string]interface{}{
		"name":    name,
		"balance": initialBalance,
	}, nil)
	sc.record("create", start, err)
	if err != nil {
		return "", err
	}

	data, _ := envelope["data"].(map[string]interface{})
	sandboxID, _ := data["sandbox_id"].(string)
	if sandboxID == "" {
		return "", fmt.Errorf("no sandbox_id in create response")
	}
	return sandboxID, nil
}

func (sc *simulationClient) trade(sandboxID, symbol, side string, quantity float64) error {
	start := time.Now()
	_, err := sc.doJSON(http.MethodPost, "/api/v1/sandboxes/"+sandboxID+"/trade", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
	}, map[string]string{
		"Idempotency-Key": uuid.New().String(),
	})
	sc.record("trade", start, err)
	return err
}

func (sc *simulationClient) getPortfolio(sandboxID string) error {
	start := time.Now()
	_, err := sc.doJSON(http.MethodGet, "/api/v1/sandboxes/"+sandboxID+"/portfolio", nil, nil)
	sc.record("portfolio", start, err)
	return err
}

func (sc *simulationClient) listSandboxes() error {
	start := time.Now()
	_, err := sc.doJSON(http.MethodGet, "/api/v1/sandboxes", nil, nil)
	sc.record("list", start, err)
	return err
}

// main runs a trading simulation against a locally running server:
// it creates sandboxes, fires randomized trades from concurrent workers,
// interleaves portfolio reads, and reports per-route latency statistics
func main() {
	client, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation client")
	}
	log.Info().Msg("authenticated with sandbox API")

	var sandboxIDs []string
	for i := 0; i < numSandboxes; i++ {
		id, err := client.createSandbox(fmt.Sprintf("Simulation %d", i+1))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create sandbox")
		}
		sandboxIDs = append(sandboxIDs, id)
	}
	log.Info().Int("sandboxes", len(sandboxIDs)).Msg("created simulation sandboxes")

	numTrades := rand.Intn(maxTrades-minTrades+1) + minTrades
	log.Info().Int("trades", numTrades).Int("workers", numWorkers).Msg("starting trade simulation")

	jobs := make(chan int, numTrades)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for range jobs {
				sandboxID := sandboxIDs[rand.Intn(len(sandboxIDs))]
				symbol := symbols[rand.Intn(len(symbols))]
				side := sides[rand.Intn(len(sides))]
				quantity := float64(rand.Intn(10) + 1)

				if err := client.trade(sandboxID, symbol, side, quantity); err != nil {
					// Sells without holdings are expected to fail
					log.Debug().Err(err).Str("side", side).Str("symbol", symbol).Msg("trade rejected")
				}

				if rand.Float64() < 0.3 {
					if err := client.getPortfolio(sandboxID); err != nil {
						log.Warn().Err(err).Msg("portfolio read failed")
					}
				}
			}
		}(w)
	}

	for i := 0; i < numTrades; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := client.listSandboxes(); err != nil {
		log.Warn().Err(err).Msg("final sandbox list failed")
	}

	printStats(client)
}

// printStats reports per-route latency statistics for the simulation run
func printStats(client *simulationClient) {
	log.Info().Msg("simulation complete, route statistics:")

	for _, key := range []string{"auth", "create", "trade", "portfolio", "list"} {
		stats := client.stats[key]
		if stats.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := stats.calculate()
		log.Info().
			Str("route", stats.name).
			Int("calls", stats.totalCalls).
			Int("failures", stats.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route stats")
	}
}
