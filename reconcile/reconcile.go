// Package reconcile records the cross-store inconsistencies left behind by
// partially failed multi-store writes so they can be repaired.
//
// Every inconsistency is logged and counted. Notifiers forward it to
// external systems, e.g. an SNS topic consumed by a repair job.
package reconcile

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Inconsistency describes a secondary write that did not happen after the
// authoritative store was updated.
type Inconsistency struct {
	Operation string    `json:"operation"`
	Store     string    `json:"store"`
	SensorID  int64     `json:"sensor_id"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Notifier forwards inconsistencies.
type Notifier interface {
	Notify(ctx context.Context, i *Inconsistency) error
}

// Reconciler is the sink of inconsistencies.
type Reconciler struct {
	logger    logrus.FieldLogger
	counter   *prometheus.CounterVec
	notifiers []Notifier
	now       func() time.Time
}

// New returns a reconciler. The counter is registered with reg when reg is
// not nil.
func New(logger logrus.FieldLogger, reg prometheus.Registerer, notifiers ...Notifier) *Reconciler {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "senser",
		Name:      "reconcile_inconsistencies_total",
		Help:      "The total number of secondary store writes that failed.",
	}, []string{"operation", "store"})
	if reg != nil {
		reg.MustRegister(counter)
	}
	return &Reconciler{
		logger:    logger,
		counter:   counter,
		notifiers: notifiers,
		now:       time.Now,
	}
}

// Report records that operation could not write sensorID to store.
func (r *Reconciler) Report(ctx context.Context, operation, store string, sensorID int64, err error) {
	i := &Inconsistency{
		Operation: operation,
		Store:     store,
		SensorID:  sensorID,
		At:        r.now().UTC(),
	}
	if err != nil {
		i.Error = err.Error()
	}
	logger := r.logger.WithFields(logrus.Fields{
		"operation": operation,
		"store":     store,
		"sensorID":  sensorID,
	})
	logger.Error("Stores left inconsistent: ", err)
	r.counter.WithLabelValues(operation, store).Inc()

	for _, n := range r.notifiers {
		if err := n.Notify(ctx, i); err != nil {
			logger.Warn("Inconsistency notification failed: ", err)
		}
	}
}
