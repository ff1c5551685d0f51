package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/metrics/export/internaldefs"
)

// Source is what the exporter reads on every scrape. *eduauth.Manager and
// the web shell's server implement it.
type Source interface {
	MetricsSnapshot() eduauth.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders a Source in Prometheus text format.
type Exporter struct {
	source Source
}

// NewExporter renders source on every scrape.
func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves Render.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics, or "" when the source has nothing to
// report (metrics disabled and no audit drops).
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var w textWriter
	w.Grow(4096)

	for _, def := range internaldefs.CounterDefs {
		w.family(def, "counter")
		w.sample(def.Name, "", strconv.FormatUint(snapshot.Counters[def.ID], 10))
	}

	for _, def := range internaldefs.HistogramDefs {
		hist, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		w.family(def, "histogram")
		buckets := internaldefs.Cumulative(hist)
		for _, b := range buckets {
			w.sample(def.Name+"_bucket", `le="`+b.Le+`"`, strconv.FormatUint(b.Count, 10))
		}
		w.sample(def.Name+"_sum", "", internaldefs.Seconds(hist.Sum))
		w.sample(def.Name+"_count", "", strconv.FormatUint(buckets[len(buckets)-1].Count, 10))
	}

	w.family(internaldefs.AuditDropped, "counter")
	w.sample(internaldefs.AuditDropped.Name, "", strconv.FormatUint(dropped, 10))

	return w.String()
}

type textWriter struct {
	strings.Builder
}

func (w *textWriter) family(def internaldefs.Def, kind string) {
	w.WriteString("# HELP " + def.Name + " " + escapeHelp(def.Help) + "\n")
	w.WriteString("# TYPE " + def.Name + " " + kind + "\n")
}

func (w *textWriter) sample(name, labels, value string) {
	w.WriteString(name)
	if labels != "" {
		w.WriteString("{" + labels + "}")
	}
	w.WriteString(" " + value + "\n")
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
