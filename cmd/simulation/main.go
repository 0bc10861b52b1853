package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/coordinator"
	"github.com/ksred/darkpool-api/internal/database"
	"github.com/ksred/darkpool-api/internal/matching"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/settlement"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/internal/zk"
	"github.com/ksred/darkpool-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 120
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	pollTimeout   = 60 * time.Second
)

var (
	pairs = [][2]string{
		{"ETH", "USDC"},
		{"WBTC", "USDC"},
		{"ARB", "USDC"},
	}
	sides = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
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

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the hidden-order API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	mu        sync.Mutex
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"submit": {name: "Submit Order"},
			"status": {name: "Order Status"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("auth", start, failed) }()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		failed = true
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		failed = true
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		failed = true
		return "", err
	}

	return result.Token, nil
}

// submitOrder submits a new hidden order to the API
// Returns the order ID on success
func (sc *simulationClient) submitOrder(req *orderbook.SubmitRequest) (string, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("submit", start, failed) }()

	body, err := json.Marshal(req)
	if err != nil {
		failed = true
		return "", err
	}

	httpReq, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		failed = true
		return "", err
	}

	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(httpReq)
	if err != nil {
		failed = true
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Submit order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return "", fmt.Errorf("submit order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		failed = true
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// getOrder retrieves the current lifecycle state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("status", start, failed) }()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		failed = true
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		failed = true
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		failed = true
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomHex returns n random bytes hex-encoded, for blinding factors and
// trader secrets.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal().Err(err).Msg("Failed to read random bytes")
	}
	return hex.EncodeToString(buf)
}

// main runs the hidden-order simulation
// It starts a local API server and simulates multiple concurrent traders
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Generate random number of orders to process
	targetOrders := mrand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be submitted
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_submitted", len(orderIDs)).Msg("All orders submitted")

	// Collect statistics while waiting for the batch pipeline to drain
	stats := struct {
		TotalOrders   int
		SettledOrders int
		Rejected      int
		TimedOut      int
		StartTime     time.Time
		Pairs         map[string]int
		Reasons       map[string]int
	}{
		StartTime: time.Now(),
		Pairs:     make(map[string]int),
		Reasons:   make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Poll each order until it reaches a terminal state. The coordinator runs
	// its own batch windows so all the client can do is watch.
	deadline := time.Now().Add(pollTimeout)
	for _, orderID := range orderIDs {
		var order *types.Order
		for {
			order, err = simClient.getOrder(orderID)
			if err == nil && order != nil && types.IsTerminal(order.Status) {
				break
			}
			if time.Now().After(deadline) {
				order = nil
				break
			}
			time.Sleep(500 * time.Millisecond)
		}

		if order == nil {
			stats.TimedOut++
			log.Warn().Str("order_id", orderID).Msg("Order did not reach a terminal state in time")
			continue
		}

		stats.Pairs[types.NewPairKey(order.TokenIn, order.TokenOut).String()]++
		switch order.Status {
		case types.StatusSettled:
			stats.SettledOrders++
			log.Info().
				Str("order_id", orderID).
				Str("match_group", order.MatchGroup).
				Msg("Order settled")
		case types.StatusRejected:
			stats.Rejected++
			stats.Reasons[order.RejectReason]++
			log.Info().
				Str("order_id", orderID).
				Str("reason", order.RejectReason).
				Msg("Order rejected")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🕶️  HIDDEN ORDER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders: %d
Settled:      %d
Rejected:     %d
Timed Out:    %d
Duration:     %v

📈 Pair Distribution
-------------------
`, stats.TotalOrders, stats.SettledOrders, stats.Rejected, stats.TimedOut,
		duration.Round(time.Millisecond))

	// Print pair distribution with simple ASCII bar chart
	maxPairCount := 0
	for _, count := range stats.Pairs {
		if count > maxPairCount {
			maxPairCount = count
		}
	}
	for pair, count := range stats.Pairs {
		barLength := int(float64(count) / float64(maxPairCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-10s: %s (%d)\n", pair, bar, count)
	}

	if len(stats.Reasons) > 0 {
		fmt.Println("\n📉 Rejection Reasons")
		fmt.Println("-------------------")
		for reason, count := range stats.Reasons {
			fmt.Printf("%-28s: %d\n", reason, count)
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	// Success rate calculation
	successRate := float64(stats.SettledOrders) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("settled_orders", stats.SettledOrders).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// submitOrdersHTTP generates and submits random hidden orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func submitOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		pair := pairs[mrand.Intn(len(pairs))]
		side := sides[mrand.Intn(len(sides))]

		// BUY receives the pair's normalized base asset, SELL pays it
		key := types.NewPairKey(pair[0], pair[1])
		tokenIn, tokenOut := key.TokenB, key.TokenA
		if side == types.SideSell {
			tokenIn, tokenOut = key.TokenA, key.TokenB
		}

		req := &orderbook.SubmitRequest{
			TokenIn:        tokenIn,
			TokenOut:       tokenOut,
			Side:           side,
			Notional:       uint64(mrand.Intn(10_000) + 100),
			BlindingFactor: randomHex(32),
			TraderSecret:   randomHex(32),
		}

		orderID, err := simClient.submitOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("pair", types.NewPairKey(pair[0], pair[1]).String()).
				Msg("Failed to submit order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("side", side).
			Str("pair", types.NewPairKey(pair[0], pair[1]).String()).
			Msg("Order submitted")

		// Random sleep between orders
		time.Sleep(time.Duration(mrand.Intn(300)) * time.Millisecond)
	}
}

// startServer initializes and starts the hidden-order API server
// Sets up all required services, handlers and routes with a short batch
// window so the simulation settles quickly
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService("darkpool-secret-key")
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	commitmentService, err := commitment.NewService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize commitment store: %w", err)
	}
	orderService := orderbook.NewService(db, commitmentService)

	liquidity := pool.NewMockPool()
	liquidity.AutoProvision = true
	liquidity.DefaultReserves = 1_000_000_000

	engine := settlement.NewEngine(db, orderService, commitmentService, liquidity)

	cfg := coordinator.DefaultConfig()
	cfg.BatchInterval = 2 * time.Second

	coord := coordinator.New(orderService, matching.NewMatcher(0), engine,
		zk.NewMockProver(), zk.NewMockLedger(), cfg)
	go coord.Start(context.Background())

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	orderHandlers := orderbook.NewGinHandlers(orderService)

	// Setup routes
	setupRoutes(router, authService.Secret(), authHandlers, orderHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	jwtSecret []byte,
	authHandlers *auth.GinHandlers,
	orderHandlers *orderbook.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", orderHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", orderHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", orderHandlers.WithdrawOrderHandler())
		}
	}
}
