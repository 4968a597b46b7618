// Package metrics exposes booking-service counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the orchestrator, scheduler, verifier and reconciler report to.
type Recorder interface {
	RecordBookingOutcome(state, reason string)
	RecordConfirmationLatency(d time.Duration)
	RecordSlotsGenerated(inserted, removed, locked int)
	RecordAccessDecision(result string)
	RecordReconciliation(result string)
}

type Collector struct {
	bookingOutcomes     *prometheus.CounterVec
	confirmationLatency prometheus.Histogram
	slotChanges         *prometheus.CounterVec
	accessDecisions     *prometheus.CounterVec
	reconciliations     *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotchain_booking_outcomes_total",
			Help: "Reservation attempts by terminal state and failure reason.",
		}, []string{"state", "reason"}),
		confirmationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slotchain_transfer_confirmation_seconds",
			Help:    "Time from transfer submission to observed finality.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		slotChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotchain_slot_changes_total",
			Help: "Slots inserted, removed or locked by availability regeneration.",
		}, []string{"change"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotchain_access_decisions_total",
			Help: "Access verification results.",
		}, []string{"result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotchain_reconciliations_total",
			Help: "Resolutions of timed-out booking attempts.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		c.bookingOutcomes,
		c.confirmationLatency,
		c.slotChanges,
		c.accessDecisions,
		c.reconciliations,
	)
	return c
}

func (c *Collector) RecordBookingOutcome(state, reason string) {
	c.bookingOutcomes.WithLabelValues(state, reason).Inc()
}

func (c *Collector) RecordConfirmationLatency(d time.Duration) {
	c.confirmationLatency.Observe(d.Seconds())
}

func (c *Collector) RecordSlotsGenerated(inserted, removed, locked int) {
	c.slotChanges.WithLabelValues("inserted").Add(float64(inserted))
	c.slotChanges.WithLabelValues("removed").Add(float64(removed))
	c.slotChanges.WithLabelValues("locked").Add(float64(locked))
}

func (c *Collector) RecordAccessDecision(result string) {
	c.accessDecisions.WithLabelValues(result).Inc()
}

func (c *Collector) RecordReconciliation(result string) {
	c.reconciliations.WithLabelValues(result).Inc()
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordBookingOutcome(string, string)     {}
func (Nop) RecordConfirmationLatency(time.Duration) {}
func (Nop) RecordSlotsGenerated(int, int, int)      {}
func (Nop) RecordAccessDecision(string)             {}
func (Nop) RecordReconciliation(string)             {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
