package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is read on every collection. *eduauth.Manager implements it.
type Source interface {
	MetricsSnapshot() eduauth.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id  eduauth.MetricID
	ins metric.Int64ObservableCounter
}

// observedHistogram mirrors the Prometheus layout: cumulative buckets keyed by
// an le attribute, plus count and sum in seconds.
type observedHistogram struct {
	id      eduauth.MetricID
	buckets metric.Int64ObservableCounter
	count   metric.Int64ObservableCounter
	sum     metric.Float64ObservableCounter
}

// Exporter keeps the callback registration alive until Close.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
	leOptions    []metric.ObserveOption
}

// NewExporter registers observable instruments for source on meter.
func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	for _, le := range internaldefs.BucketLabels() {
		e.leOptions = append(e.leOptions, metric.WithAttributes(attribute.String("le", le)))
	}

	var observables []metric.Observable
	counter := func(name, help string) (metric.Int64ObservableCounter, error) {
		ins, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		observables = append(observables, ins)
		return ins, nil
	}

	for _, def := range internaldefs.CounterDefs {
		ins, err := counter(def.Name, def.Help)
		if err != nil {
			return nil, err
		}
		e.counters = append(e.counters, observedCounter{id: def.ID, ins: ins})
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		var err error
		if h.buckets, err = counter(def.Name+"_bucket", def.Help+" Cumulative bucket counts."); err != nil {
			return nil, err
		}
		if h.count, err = counter(def.Name+"_count", def.Help+" Sample count."); err != nil {
			return nil, err
		}
		h.sum, err = meter.Float64ObservableCounter(def.Name+"_sum",
			metric.WithDescription(def.Help+" Sum of samples."),
			metric.WithUnit("s"),
		)
		if err != nil {
			return nil, fmt.Errorf("create observable sum %s_sum: %w", def.Name, err)
		}
		observables = append(observables, h.sum)
		e.histograms = append(e.histograms, h)
	}

	var err error
	if e.auditDropped, err = counter(internaldefs.AuditDropped.Name, internaldefs.AuditDropped.Help); err != nil {
		return nil, err
	}

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.ins, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		hist, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		buckets := internaldefs.Cumulative(hist)
		for i, b := range buckets {
			o.ObserveInt64(h.buckets, int64(b.Count), e.leOptions[i])
		}
		o.ObserveInt64(h.count, int64(buckets[len(buckets)-1].Count))
		o.ObserveFloat64(h.sum, hist.Sum.Seconds())
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
