package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
)

const (
	modeChallenge = "challenge"
	modeSolve     = "solve"
)

var (
	flagMode     = flag.String("mode", modeChallenge, strings.Join([]string{modeChallenge, modeSolve}, " | "))
	flagTarget   = flag.String("target", "http://localhost:8080", "Server base URL")
	flagSitekey  = flag.String("sitekey", "", "Sitekey to request challenges for")
	flagOrigin   = flag.String("origin", "https://example.com", "Origin header to send")
	flagRate     = flag.Int("rps", 100, "Requests per second")
	flagDuration = flag.Int("duration", 10, "Duration of the load test (seconds)")
	flagWorkers  = flag.Int("workers", 4, "Solver workers for solve mode")
)

func challengeBody() []byte {
	body, _ := json.Marshal(map[string]string{"publicKey": *flagSitekey})
	return body
}

// attackChallenges hammers the challenge endpoint and reports latencies.
func attackChallenges() error {
	rate := vegeta.Rate{Freq: *flagRate, Per: time.Second}
	duration := time.Duration(*flagDuration) * time.Second

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    *flagTarget + "/" + common.ChallengeEndpoint,
		Body:   challengeBody(),
		Header: http.Header{
			common.HeaderContentType: []string{common.ContentTypeJSON},
			common.HeaderOrigin:      []string{*flagOrigin},
			common.HeaderUserAgent:   []string{"proofcaptcha-loadtest/1.0 (+https://github.com/proofcaptcha/proofcaptcha)"},
		},
	})

	attacker := vegeta.NewAttacker()

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, rate, duration, "challenge") {
		metrics.Add(res)
	}
	metrics.Close()

	reporter := vegeta.NewTextReporter(&metrics)
	return reporter.Report(os.Stdout)
}

type challengeResponse struct {
	Challenge json.RawMessage `json:"challenge"`
	ID        string          `json:"id"`
	Token     string          `json:"token"`
}

// solveLoop runs full challenge->solve->verify roundtrips and prints the
// end-to-end rate; this is what a widget actually costs the server.
func solveLoop(ctx context.Context) error {
	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(time.Duration(*flagDuration) * time.Second)

	results := make(chan bool, 1024)
	for i := 0; i < *flagWorkers; i++ {
		go func() {
			for time.Now().Before(deadline) && ctx.Err() == nil {
				results <- roundtrip(ctx, client)
			}
		}()
	}

	solved, failed := 0, 0
	timer := time.NewTimer(time.Until(deadline) + time.Second)
	defer timer.Stop()

	for {
		select {
		case ok := <-results:
			if ok {
				solved++
			} else {
				failed++
			}
		case <-timer.C:
			fmt.Printf("solved=%d failed=%d rate=%.1f/s\n", solved, failed,
				float64(solved)/float64(*flagDuration))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func roundtrip(ctx context.Context, client *http.Client) bool {
	challenge, ok := fetchChallenge(ctx, client)
	if !ok {
		return false
	}

	var body pow.Body
	if err := json.Unmarshal(challenge.Challenge, &body); err != nil {
		return false
	}

	salt, hash, err := body.Decode()
	if err != nil {
		return false
	}

	number, found := pow.Solve(ctx, salt, hash, body.MaxNumber)
	if !found {
		return false
	}

	solution, _ := json.Marshal(map[string]interface{}{
		"token":    challenge.Token,
		"solution": &pow.Solution{Number: number},
	})

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		*flagTarget+"/"+common.VerifyEndpoint, bytes.NewReader(solution))
	if err != nil {
		return false
	}
	request.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	request.Header.Set(common.HeaderOrigin, *flagOrigin)

	response, err := client.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()

	return response.StatusCode == http.StatusOK
}

func fetchChallenge(ctx context.Context, client *http.Client) (*challengeResponse, bool) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		*flagTarget+"/"+common.ChallengeEndpoint, bytes.NewReader(challengeBody()))
	if err != nil {
		return nil, false
	}
	request.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	request.Header.Set(common.HeaderOrigin, *flagOrigin)

	response, err := client.Do(request)
	if err != nil {
		return nil, false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, false
	}

	var challenge challengeResponse
	if err := json.NewDecoder(response.Body).Decode(&challenge); err != nil {
		return nil, false
	}

	return &challenge, true
}

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(*flagSitekey) == 0 {
		fmt.Fprintln(os.Stderr, "missing -sitekey")
		os.Exit(1)
	}

	var err error
	switch *flagMode {
	case modeChallenge:
		err = attackChallenges()
	case modeSolve:
		err = solveLoop(context.Background())
	default:
		err = fmt.Errorf("unknown mode: '%s'", *flagMode)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
