// Command webhook-receiver is a development endpoint for webhook jobs. It
// verifies signatures, counts deliveries per fire and keeps the most recent
// requests for inspection.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/jobs"
	"github.com/quartznet/quartznet-sub011/internal/logging"
)

type settings struct {
	Addr   string `env:"ADDR" envDefault:":8080"`
	Secret string `env:"WEBHOOK_SECRET"`
	// FailEvery makes every Nth delivery answer 500, to exercise retries.
	FailEvery int    `env:"FAIL_EVERY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

type delivery struct {
	Timestamp   string          `json:"timestamp"`
	FireID      string          `json:"fire_id"`
	Attempt     string          `json:"attempt"`
	SignatureOK bool            `json:"signature_ok"`
	Payload     json.RawMessage `json:"payload"`
}

type stats struct {
	Count          int64      `json:"count"`
	DistinctFires  int        `json:"distinct_fires"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

const maxStored = 50

type receiver struct {
	secret    string
	failEvery int
	logger    zerolog.Logger
	clock     func() time.Time

	mu            sync.Mutex
	count         int64
	badSignatures int64
	fires         map[string]int
	last          []delivery
	since         time.Time
}

func newReceiver(secret string, failEvery int, logger zerolog.Logger) *receiver {
	r := &receiver{secret: secret, failEvery: failEvery, logger: logger, clock: time.Now}
	r.reset()
	return r
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/hook", rc.hook)
	r.Get("/stats", rc.stats)
	r.Post("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.reset()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return r
}

func (rc *receiver) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count = 0
	rc.badSignatures = 0
	rc.fires = make(map[string]int)
	rc.last = nil
	rc.since = rc.clock().UTC()
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	d := delivery{
		Timestamp:   rc.clock().UTC().Format(time.RFC3339Nano),
		FireID:      r.Header.Get("X-Scheduler-Fire-ID"),
		Attempt:     r.Header.Get("X-Scheduler-Attempt"),
		SignatureOK: jobs.VerifySignature(rc.secret, body, r.Header.Get("X-Scheduler-Signature")),
		Payload:     json.RawMessage(body),
	}
	if !json.Valid(body) {
		d.Payload = nil
	}

	rc.mu.Lock()
	rc.count++
	current := rc.count
	rc.fires[d.FireID]++
	if !d.SignatureOK {
		rc.badSignatures++
	}
	rc.last = append(rc.last, d)
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	rc.mu.Unlock()

	if !d.SignatureOK {
		rc.logger.Warn().Str("fire_id", d.FireID).Msg("signature mismatch")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}
	if rc.failEvery > 0 && current%int64(rc.failEvery) == 0 {
		rc.logger.Info().Int64("delivery", current).Str("fire_id", d.FireID).Msg("failing delivery on purpose")
		http.Error(w, "induced failure", http.StatusInternalServerError)
		return
	}

	rc.logger.Info().Int64("delivery", current).Str("fire_id", d.FireID).Str("attempt", d.Attempt).Msg("hook received")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:          rc.count,
		DistinctFires:  len(rc.fires),
		BadSignatures:  rc.badSignatures,
		LastDeliveries: append([]delivery(nil), rc.last...),
		Since:          rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func main() {
	cfg, err := env.ParseAs[settings]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.Setup(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	rc := newReceiver(cfg.Secret, cfg.FailEvery, logger)
	logger.Info().Str("addr", cfg.Addr).Msg("webhook-receiver listening")
	if err := http.ListenAndServe(cfg.Addr, rc.routes()); err != nil {
		logger.Fatal().Err(err).Msg("webhook-receiver stopped")
	}
}
