package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	SoldOutScenarios  int64                   `json:"sold_out_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	AcceptedUnits     int64                   `json:"accepted_units"`
	SeededStock       int64                   `json:"seeded_stock,omitempty"`
	Oversold          bool                    `json:"oversold"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задан явно флагом -output.
	file, err := os.Create(clean)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func printReport(out io.Writer, result report, opts options) {
	lines := []string{
		"Load test summary",
		fmt.Sprintf("mode=%s run=%s total=%d success=%d sold_out=%d failed=%d error_rate=%.4f",
			opts.mode, opts.target(), result.TotalScenarios, result.SuccessScenarios,
			result.SoldOutScenarios, result.FailedScenarios, result.ErrorRate),
		fmt.Sprintf("duration=%.2fs rps=%.2f accepted_units=%d", result.DurationSeconds, result.RPS, result.AcceptedUnits),
	}
	if result.SeededStock > 0 {
		lines = append(lines, fmt.Sprintf("seeded_stock=%d oversold=%t", result.SeededStock, result.Oversold))
	}
	l := result.ScenarioLatencyMs
	lines = append(lines, fmt.Sprintf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max))

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		m := result.Methods[name]
		lines = append(lines, fmt.Sprintf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95))
	}
	_, _ = io.WriteString(out, strings.Join(lines, "\n")+"\n")
}
