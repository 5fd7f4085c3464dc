package main

import (
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// scenarioSeries псевдо-метод для сквозной длительности сценария.
const scenarioSeries = "scenario"

type series struct {
	calls     int64
	failed    int64
	codes     map[string]int64
	latencies []time.Duration
}

type recorder struct {
	mu     sync.Mutex
	series map[string]*series
}

func newRecorder() *recorder {
	return &recorder{series: make(map[string]*series)}
}

// countsAsFailure: FailedPrecondition означает распроданный товар, это ожидаемый исход.
func countsAsFailure(code codes.Code) bool {
	return code != codes.OK && code != codes.FailedPrecondition
}

func (r *recorder) observe(name string, latency time.Duration, err error) {
	code := status.Code(err)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[name]
	if !ok {
		s = &series{codes: make(map[string]int64)}
		r.series[name] = s
	}
	s.calls++
	if countsAsFailure(code) {
		s.failed++
	}
	s.codes[code.String()]++
	s.latencies = append(s.latencies, latency)
}

func (r *recorder) report(startedAt time.Time, elapsed time.Duration) report {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(r.series)),
	}
	for name, s := range r.series {
		m := s.summarize()
		if name == scenarioSeries {
			result.TotalScenarios = m.Calls
			result.SuccessScenarios = m.Success
			result.FailedScenarios = m.Failed
			result.ErrorRate = m.ErrorRate
			result.ScenarioLatencyMs = m.LatencyMs
			continue
		}
		result.Methods[name] = m
	}
	if elapsed > 0 {
		result.RPS = float64(result.TotalScenarios) / elapsed.Seconds()
	}
	return result
}

func (s *series) summarize() methodReport {
	codesCopy := make(map[string]int64, len(s.codes))
	for code, n := range s.codes {
		codesCopy[code] = n
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.calls - s.failed,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     codesCopy,
		LatencyMs: summarizeLatencies(s.latencies),
	}
}

func summarizeLatencies(values []time.Duration) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: millis(sorted[0]),
		Max: millis(sorted[len(sorted)-1]),
		Avg: millis(sum / time.Duration(len(sorted))),
		P50: millis(percentile(sorted, 50)),
		P95: millis(percentile(sorted, 95)),
		P99: millis(percentile(sorted, 99)),
	}
}

// percentile линейно интерполирует между соседними рангами отсортированной выборки.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(rank)
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[lower+1]-sorted[lower]))
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
