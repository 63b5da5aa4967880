// Package metrics exposes Prometheus series for the grid loop. Everything is
// registered at init and served at /metrics when the listener is enabled.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Orders placed on the exchange",
		},
		[]string{"side"},
	)

	ordersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Orders cancelled on the exchange",
		},
		[]string{"side"},
	)

	ordersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_filled_total",
			Help: "Orders that reached the filled state",
		},
		[]string{"side"},
	)

	lastPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_last_price",
			Help: "Last observed ticker price",
		},
	)

	openOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_open_orders",
			Help: "Live orders tracked by the ledger",
		},
		[]string{"side"},
	)

	committedQuote = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_committed_quote",
			Help: "Quote currency at risk (invested plus open buy notional)",
		},
	)

	reconcileRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_reconcile_runs_total",
			Help: "Snapshot reconciliation passes completed",
		},
	)

	eventDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_execution_duplicates_total",
			Help: "Execution feed events discarded as redelivery",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, ordersCancelled, ordersFilled)
	prometheus.MustRegister(lastPrice, openOrders, committedQuote)
	prometheus.MustRegister(reconcileRuns, eventDuplicates)
}

func IncPlaced(side string)    { ordersPlaced.WithLabelValues(side).Inc() }
func IncCancelled(side string) { ordersCancelled.WithLabelValues(side).Inc() }
func IncFilled(side string)    { ordersFilled.WithLabelValues(side).Inc() }
func IncReconcileRuns()        { reconcileRuns.Inc() }
func IncEventDuplicates()      { eventDuplicates.Inc() }

func SetLastPrice(v float64)           { lastPrice.Set(v) }
func SetOpenOrders(side string, n int) { openOrders.WithLabelValues(side).Set(float64(n)) }
func SetCommittedQuote(v float64)      { committedQuote.Set(v) }

// Serve starts the /metrics listener and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=WARN event=metrics_shutdown_failed err=%q", err)
		}
	}()
	log.Printf("level=INFO event=metrics_listener_started addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
