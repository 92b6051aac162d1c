package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	numLoans      = 25
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	pair            = "ETH-USDC"
	underlyingAsset = "ETH"
	cashAsset       = "USDC"

	// Positions in the simulation live one second so the full
	// open-settle-close cycle can run end to end.
	positionDuration = 1
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
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
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

// apiClient handles HTTP communication with the protocol API for one identity
type apiClient struct {
	baseURL   string
	address   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// envelope is the standard API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func newAPIClient(address string, stats map[string]*routeStats) (*apiClient, error) {
	sc := &apiClient{
		baseURL: serverAddress,
		address: address,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   stats,
	}
	if err := sc.registerAndAuthenticate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// registerAndAuthenticate creates an account for the client's address and
// exchanges its credentials for a JWT
func (sc *apiClient) registerAndAuthenticate() error {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	var reg struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := sc.post("/api/v1/auth/register", map[string]string{"address": sc.address}, &reg); err != nil {
		return fmt.Errorf("failed to register %s: %w", sc.address, err)
	}

	var tok struct {
		Token string `json:"jwt_token"`
	}
	err := sc.post("/api/v1/auth/token", map[string]string{
		"api_key":    reg.APIKey,
		"api_secret": reg.APISecret,
	}, &tok)
	if err != nil {
		return fmt.Errorf("failed to authenticate %s: %w", sc.address, err)
	}
	sc.authToken = tok.Token
	return nil
}

// post sends an authenticated POST and decodes the response data into out
func (sc *apiClient) post(path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w, body: %s", err, string(respBody))
	}
	return nil
}

func (sc *apiClient) timed(route string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		sc.stats[route].addFailure()
		return err
	}
	sc.stats[route].addDuration(time.Since(start))
	return nil
}

// deposit credits the client's treasury balance
func (sc *apiClient) deposit(asset string, amount int64) error {
	return sc.timed("deposit", func() error {
		return sc.post("/api/v1/treasury/deposit", map[string]interface{}{
			"asset":  asset,
			"amount": decimal.NewFromInt(amount),
		}, nil)
	})
}

// setupMarket configures the pair, posts the opening price, and stands up
// provider and escrow offers
func setupMarket(operator, provider, supplier *apiClient) (providerOfferID, escrowOfferID uint, err error) {
	err = operator.post("/api/v1/internal/pairs", map[string]interface{}{
		"pair":                 pair,
		"underlying_asset":     underlyingAsset,
		"cash_asset":           cashAsset,
		"enabled":              true,
		"min_duration_seconds": positionDuration,
		"max_duration_seconds": 86400,
		"min_put_strike_bps":   5000,
		"min_call_strike_bps":  10100,
		"max_call_strike_bps":  20000,
		"min_ltv_bps":          1000,
		"max_ltv_bps":          9000,
	}, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to configure pair: %w", err)
	}

	if err := postPrice(operator, 1000); err != nil {
		return 0, 0, err
	}

	if err := provider.deposit(cashAsset, 10_000_000); err != nil {
		return 0, 0, err
	}
	var pOffer struct {
		ID uint `json:"id"`
	}
	err = provider.timed("provider_offer", func() error {
		return provider.post("/api/v1/offers", map[string]interface{}{
			"pair":             pair,
			"put_strike_bps":   9000,
			"call_strike_bps":  11000,
			"duration_seconds": positionDuration,
			"amount":           decimal.NewFromInt(5_000_000),
			"min_take":         decimal.NewFromInt(1),
		}, &pOffer)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create provider offer: %w", err)
	}

	if err := supplier.deposit(cashAsset, 10_000_000); err != nil {
		return 0, 0, err
	}
	var eOffer struct {
		ID uint `json:"id"`
	}
	err = supplier.timed("escrow_offer", func() error {
		return supplier.post("/api/v1/escrow/offers", map[string]interface{}{
			"asset":                    cashAsset,
			"amount":                   decimal.NewFromInt(5_000_000),
			"duration_seconds":         positionDuration,
			"interest_apr_bps":         500,
			"max_grace_period_seconds": 3600,
			"late_fee_apr_bps":         1000,
			"min_escrow":               decimal.NewFromInt(1),
		}, &eOffer)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create escrow offer: %w", err)
	}

	return pOffer.ID, eOffer.ID, nil
}

func postPrice(operator *apiClient, price int64) error {
	return operator.post("/api/v1/internal/prices", map[string]interface{}{
		"pair":  pair,
		"price": decimal.NewFromInt(price),
	}, nil)
}

// runLoanLifecycle drives one borrower through open, expiry, and close
func runLoanLifecycle(borrower *apiClient, providerOfferID, escrowOfferID uint) error {
	if err := borrower.deposit(underlyingAsset, 1000); err != nil {
		return err
	}
	// Cash buffer for the prepaid escrow fees, which come out of the
	// disbursed principal but must be covered again at repayment
	if err := borrower.deposit(cashAsset, 1000); err != nil {
		return err
	}

	var loan struct {
		ID         uint            `json:"id"`
		LoanAmount decimal.Decimal `json:"loan_amount"`
	}
	err := borrower.timed("open_loan", func() error {
		return borrower.post("/api/v1/loans", map[string]interface{}{
			"pair":              pair,
			"underlying":        decimal.NewFromInt(1000),
			"provider_offer_id": providerOfferID,
			"ltv_bps":           8000,
			"min_swap_out":      decimal.NewFromInt(1),
			"escrow_offer_id":   escrowOfferID,
		}, &loan)
	})
	if err != nil {
		return fmt.Errorf("failed to open loan: %w", err)
	}

	// Let the position expire before closing
	time.Sleep((positionDuration + 1) * time.Second)

	var closed struct {
		UnderlyingReturned decimal.Decimal `json:"underlying_returned"`
	}
	err = borrower.timed("close_loan", func() error {
		return borrower.post(fmt.Sprintf("/api/v1/loans/%d/close", loan.ID), map[string]interface{}{
			"min_underlying_out": decimal.Zero,
		}, &closed)
	})
	if err != nil {
		return fmt.Errorf("failed to close loan %d: %w", loan.ID, err)
	}

	log.Debug().
		Uint("loan_id", loan.ID).
		Str("loan_amount", loan.LoanAmount.String()).
		Str("underlying_returned", closed.UnderlyingReturned.String()).
		Msg("loan lifecycle complete")
	return nil
}

func main() {
	stats := map[string]*routeStats{
		"auth":           {name: "Authentication"},
		"deposit":        {name: "Treasury Deposit"},
		"provider_offer": {name: "Create Provider Offer"},
		"escrow_offer":   {name: "Create Escrow Offer"},
		"open_loan":      {name: "Open Loan"},
		"close_loan":     {name: "Close Loan"},
	}

	operator, err := newAPIClient("sim:operator", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create operator client")
	}
	providerClient, err := newAPIClient("sim:provider", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provider client")
	}
	supplierClient, err := newAPIClient("sim:supplier", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create supplier client")
	}

	providerOfferID, escrowOfferID, err := setupMarket(operator, providerClient, supplierClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up market")
	}
	log.Info().
		Uint("provider_offer_id", providerOfferID).
		Uint("escrow_offer_id", escrowOfferID).
		Msg("market ready")

	// Refresh the price in the background so settlements never hit a stale
	// feed mid-run
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := postPrice(operator, 1000); err != nil {
					log.Warn().Err(err).Msg("failed to refresh price")
				}
			}
		}
	}()

	start := time.Now()
	jobs := make(chan int, numLoans)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range jobs {
				address := fmt.Sprintf("sim:borrower:%s", uuid.New().String()[:8])
				borrower, err := newAPIClient(address, stats)
				if err != nil {
					log.Error().Err(err).Int("loan", i).Msg("failed to create borrower")
					continue
				}
				if err := runLoanLifecycle(borrower, providerOfferID, escrowOfferID); err != nil {
					log.Error().Err(err).Int("loan", i).Msg("loan lifecycle failed")
				}
			}
		}(w)
	}

	for i := 0; i < numLoans; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(stop)

	log.Info().
		Int("loans", numLoans).
		Dur("elapsed", time.Since(start)).
		Msg("simulation complete")

	printStats(stats)
}

// printStats reports per-route latency statistics
func printStats(stats map[string]*routeStats) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rs := stats[k]
		if rs.totalCalls == 0 && rs.failures == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route statistics")
	}
}
