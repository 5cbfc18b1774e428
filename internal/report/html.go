package report

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/pgwarden/internal/alert"
	"github.com/koltyakov/pgwarden/internal/analyze"
	"github.com/koltyakov/pgwarden/internal/health"
	"github.com/koltyakov/pgwarden/internal/maintenance"
	"github.com/koltyakov/pgwarden/internal/scheduler"
)

// Meta describes the run that produced a report.
type Meta struct {
	GeneratedAt time.Time
	Host        string
	Database    string
	Version     string

	// Suppressed holds issue codes hidden from the report.
	Suppressed map[string]bool
}

// Data is everything a report renders.
type Data struct {
	Health health.Report
	Runs   []maintenance.JobRun
	Jobs   []scheduler.JobDefinition
	Alerts []alert.PerformanceAlert
}

// WriteHTML renders the report into a file at path.
func WriteHTML(path string, d Data, meta Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Render(f, d, meta)
}

type jobRow struct {
	Def     scheduler.JobDefinition
	Last    *maintenance.JobRun
	Failing bool
}

// Render writes the HTML report to w.
func Render(w io.Writer, d Data, meta Meta) error {
	rep := d.Health

	issues := make([]health.Issue, 0, len(rep.Issues))
	suppressed := 0
	for _, i := range rep.Issues {
		if meta.Suppressed[i.Code] {
			suppressed++
			continue
		}
		issues = append(issues, i)
	}

	// Worst bloat first, then by wasted bytes
	bloat := append([]analyze.TableBloatInfo(nil), rep.Bloat...)
	sort.Slice(bloat, func(i, j int) bool {
		a, b := bloat[i], bloat[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		wa, wb := a.ActualSizeBytes-a.ExpectedSizeBytes, b.ActualSizeBytes-b.ExpectedSizeBytes
		if wa != wb {
			return wa > wb
		}
		return a.String() < b.String()
	})

	// KEEP is noise in a report; show only actionable indexes, largest first
	var indexes []analyze.IndexUsageInfo
	for _, ix := range rep.Indexes {
		if ix.Recommendation != analyze.RecommendKeep {
			indexes = append(indexes, ix)
		}
	}
	sort.Slice(indexes, func(i, j int) bool {
		if indexes[i].SizeBytes != indexes[j].SizeBytes {
			return indexes[i].SizeBytes > indexes[j].SizeBytes
		}
		return indexes[i].String() < indexes[j].String()
	})

	// Newest runs on top
	runs := append([]maintenance.JobRun(nil), d.Runs...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })

	jobs := make([]jobRow, 0, len(d.Jobs))
	for _, def := range d.Jobs {
		row := jobRow{Def: def}
		for i := range runs {
			if runs[i].JobName == def.Name && runs[i].Status != maintenance.StatusSkipped {
				row.Last = &runs[i]
				row.Failing = runs[i].Status == maintenance.StatusFailure
				break
			}
		}
		jobs = append(jobs, row)
	}

	healthSummary := func() string {
		switch {
		case rep.CheckedAt.IsZero():
			return "No health check has completed yet."
		case len(issues) == 0 && suppressed > 0:
			return fmt.Sprintf("No findings to show (%d suppressed).", suppressed)
		case len(issues) == 0:
			return "Healthy: no findings."
		}
		crit, warn := 0, 0
		for _, i := range issues {
			switch i.Severity {
			case health.SeverityCritical:
				crit++
			case health.SeverityWarning:
				warn++
			}
		}
		return fmt.Sprintf("%d critical, %d warning, %d informational finding(s).", crit, warn, len(issues)-crit-warn)
	}()
	bloatSummary := func() string {
		if len(bloat) == 0 {
			return "Healthy: no bloated tables detected."
		}
		var wasted int64
		needs := 0
		for _, t := range bloat {
			if t.NeedsVacuum {
				needs++
			}
			if t.ActualSizeBytes > t.ExpectedSizeBytes {
				wasted += t.ActualSizeBytes - t.ExpectedSizeBytes
			}
		}
		return fmt.Sprintf("%d table(s) need vacuum; about %s reclaimable.", needs, fmtBytesStr(wasted))
	}()
	indexSummary := func() string {
		if len(indexes) == 0 {
			return "Healthy: every index is in use."
		}
		drop := len(analyze.WithRecommendation(indexes, analyze.RecommendConsiderDropping))
		rebuild := len(analyze.WithRecommendation(indexes, analyze.RecommendRebuild))
		return fmt.Sprintf("%d index(es) to rebuild, %d candidate(s) to drop. Validate drops with workload owners.", rebuild, drop)
	}()
	jobsSummary := func() string {
		if len(runs) == 0 {
			return "No maintenance runs recorded yet."
		}
		failing := 0
		for _, j := range jobs {
			if j.Failing {
				failing++
			}
		}
		if failing == 0 {
			return fmt.Sprintf("%d run(s) recorded; every job's latest run succeeded.", len(runs))
		}
		return fmt.Sprintf("Attention: %d job(s) failed on their latest run.", failing)
	}()

	funcMap := template.FuncMap{
		"fmtTime": func(t time.Time) string {
			if t.IsZero() {
				return "n/a"
			}
			return t.Local().Format("2006-01-02 15:04:05 MST")
		},
		"fmtTimePtr": func(t *time.Time) string {
			if t == nil || t.IsZero() {
				return "never"
			}
			return t.Local().Format("2006-01-02 15:04")
		},
		"fmtDur":   humanizeDuration,
		"fmtBytes": fmtBytesStr,
		"fmtI64":   func(n int64) string { return addThousands(strconv.FormatInt(n, 10)) },
		"fmtInt":   func(n int) string { return addThousands(strconv.Itoa(n)) },
		"fmtF1":    func(f float64) string { return fmtFloatPrecSep(f, 1) },
		"fmtPct":   func(f float64) string { return fmtFloatPrecSep(f*100, 1) + "%" },
		"join":     strings.Join,
		"statusClass": func(s string) string {
			switch s {
			case string(health.StatusCritical), string(maintenance.StatusFailure), string(alert.SeverityError):
				return "bad"
			case string(health.StatusWarning), string(maintenance.StatusPartial):
				return "warn"
			case string(maintenance.StatusSkipped), string(health.SeverityInfo):
				return "muted"
			}
			return "ok"
		},
		"failedTargets": func(r maintenance.JobRun) []string {
			failed := r.Failed()
			out := make([]string, 0, len(failed))
			for target, msg := range failed {
				out = append(out, target+": "+msg)
			}
			sort.Strings(out)
			return out
		},
	}

	tmpl, err := template.New("report").Funcs(funcMap).Parse(reportHTML)
	if err != nil {
		return err
	}

	data := struct {
		Meta       Meta
		Health     health.Report
		Issues     []health.Issue
		Suppressed int
		Bloat      []analyze.TableBloatInfo
		Indexes    []analyze.IndexUsageInfo
		Runs       []maintenance.JobRun
		Jobs       []jobRow
		Alerts     []alert.PerformanceAlert

		// summaries
		HealthSummary string
		BloatSummary  string
		IndexSummary  string
		JobsSummary   string
	}{
		Meta: meta, Health: rep, Issues: issues, Suppressed: suppressed,
		Bloat: bloat, Indexes: indexes, Runs: runs, Jobs: jobs, Alerts: d.Alerts,
		HealthSummary: healthSummary, BloatSummary: bloatSummary, IndexSummary: indexSummary, JobsSummary: jobsSummary,
	}
	return tmpl.Execute(w, data)
}

// fmtFloatPrecSep formats a float with fixed precision and thousands separators in the integer part
func fmtFloatPrecSep(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		return addThousands(s[:dot]) + s[dot:]
	}
	return addThousands(s)
}

// addThousands inserts commas as thousands separators into a numeric string (handles leading '-')
func addThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	n := len(s)
	if n <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := n % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < n; i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// humanizeDuration renders a duration like "4d 1h 25m" or "1h 25m 42s"
func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		if d <= 0 {
			return "0ms"
		}
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}

	total := int64(d.Seconds())
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	mins := total / 60
	secs := total % 60

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	// Seconds only while fewer than three larger units are shown
	if secs > 0 && len(parts) < 3 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}

// fmtBytesStr converts bytes into a human readable string with units (B, KB, MB, GB, TB)
func fmtBytesStr(b int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(b)
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmtFloatPrecSep(f, 2) + " " + units[i]
}

//go:embed template.html
var reportHTML string
