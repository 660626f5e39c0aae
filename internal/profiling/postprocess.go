package profiling

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
)

// topFunctions is how many functions the summary lists.
const topFunctions = 10

// MergedFunction is the total sample count of one function across a run.
type MergedFunction struct {
	Key     string   `json:"key"`
	File    string   `json:"file"`
	Name    string   `json:"name"`
	Line    int      `json:"line"`
	Count   int      `json:"count"`
	Parents []string `json:"parents,omitempty"`
}

// MergedProfile is the per-function table built from all samples.
type MergedProfile struct {
	Samples   int              `json:"samples"`
	Functions []MergedFunction `json:"functions"`
}

// IntervalStats describes the gaps between consecutive samples, in
// milliseconds.
type IntervalStats struct {
	P50 int64 `json:"p50"`
	P90 int64 `json:"p90"`
	P99 int64 `json:"p99"`
	Max int64 `json:"max"`
}

// Summary is the condensed view of a profile shown to users.
type Summary struct {
	Samples      int              `json:"samples"`
	DurationMs   int64            `json:"durationMs"`
	TotalCount   int              `json:"totalCount"`
	TopFunctions []MergedFunction `json:"topFunctions"`
	Intervals    IntervalStats    `json:"intervals"`
}

func functionKey(f FunctionEntry) string {
	return fmt.Sprintf("%s:%s:%d", f.File, f.Name, f.Line)
}

// Merge sums function counts across samples. Functions are identified by
// file, name and line; callers are recorded by the same key.
func Merge(samples []Sample) MergedProfile {
	byKey := make(map[string]*MergedFunction)
	parents := make(map[string]map[string]struct{})

	for _, sample := range samples {
		selfKeys := make(map[int]string, len(sample.Functions))
		for _, f := range sample.Functions {
			selfKeys[f.Self] = functionKey(f)
		}

		for _, f := range sample.Functions {
			key := selfKeys[f.Self]
			m, ok := byKey[key]
			if !ok {
				m = &MergedFunction{Key: key, File: f.File, Name: f.Name, Line: f.Line}
				byKey[key] = m
				parents[key] = make(map[string]struct{})
			}
			m.Count += f.Count

			if parentKey, ok := selfKeys[f.Parent]; ok && f.Parent != f.Self {
				parents[key][parentKey] = struct{}{}
			}
		}
	}

	merged := MergedProfile{Samples: len(samples), Functions: make([]MergedFunction, 0, len(byKey))}
	for key, m := range byKey {
		for parent := range parents[key] {
			m.Parents = append(m.Parents, parent)
		}
		sort.Strings(m.Parents)
		merged.Functions = append(merged.Functions, *m)
	}
	sortByCount(merged.Functions)
	return merged
}

func sortByCount(fns []MergedFunction) {
	sort.Slice(fns, func(i, j int) bool {
		if fns[i].Count != fns[j].Count {
			return fns[i].Count > fns[j].Count
		}
		return fns[i].Key < fns[j].Key
	})
}

// Summarize reports the busiest functions and how regularly samples
// arrived.
func Summarize(samples []Sample, merged MergedProfile) Summary {
	summary := Summary{Samples: len(samples), TopFunctions: []MergedFunction{}}

	for _, f := range merged.Functions {
		summary.TotalCount += f.Count
	}
	top := append([]MergedFunction(nil), merged.Functions...)
	sortByCount(top)
	if len(top) > topFunctions {
		top = top[:topFunctions]
	}
	summary.TopFunctions = append(summary.TopFunctions, top...)

	if len(samples) < 2 {
		return summary
	}

	times := make([]int64, 0, len(samples))
	for _, s := range samples {
		times = append(times, s.Time)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	summary.DurationMs = times[len(times)-1] - times[0]

	hist := hdrhistogram.New(1, 3600000, 3)
	for i := 1; i < len(times); i++ {
		hist.RecordValue(times[i] - times[i-1])
	}
	summary.Intervals = IntervalStats{
		P50: hist.ValueAtQuantile(50),
		P90: hist.ValueAtQuantile(90),
		P99: hist.ValueAtQuantile(99),
		Max: hist.Max(),
	}
	return summary
}

func readSamples(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return samples, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MergeFile reads the samples written by the profiler and writes the merged
// function table.
func MergeFile(samplesPath, mergedPath string) error {
	samples, err := readSamples(samplesPath)
	if err != nil {
		return err
	}
	return writeJSON(mergedPath, Merge(samples))
}

// SummarizeFile reads the samples and merged table and writes the summary.
func SummarizeFile(samplesPath, mergedPath, summaryPath string) error {
	samples, err := readSamples(samplesPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(mergedPath)
	if err != nil {
		return errors.Wrap(err, "merged profile not available")
	}
	var merged MergedProfile
	if err := json.Unmarshal(data, &merged); err != nil {
		return errors.Wrapf(err, "failed to parse %s", mergedPath)
	}

	return writeJSON(summaryPath, Summarize(samples, merged))
}
