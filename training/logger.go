package training

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// TrainLossColumn is the log column holding the training loss.
const TrainLossColumn = "Train loss"

// ValLossColumn names the validation loss column for one dataset.
func ValLossColumn(dataset string) string {
	return "Val loss " + dataset
}

// MetricColumn names the column for a performance metric on one dataset.
func MetricColumn(metric MetricType, dataset string) string {
	return metric.String() + " " + dataset
}

// RunLogger accumulates named metric observations during an epoch and
// reduces them to one weighted mean per metric when the epoch ends. Columns
// keep first-seen order so the CSV layout is stable across epochs; metrics
// absent from an epoch (for example validation columns on a training-only
// epoch) are written as nan.
type RunLogger struct {
	mu sync.Mutex

	names []string
	seen  map[string]bool

	pendingValues  map[string][]float64
	pendingWeights map[string][]float64

	epochs []int
	rows   []map[string]float64
}

// NewRunLogger creates an empty logger.
func NewRunLogger() *RunLogger {
	return &RunLogger{
		seen:           make(map[string]bool),
		pendingValues:  make(map[string][]float64),
		pendingWeights: make(map[string][]float64),
	}
}

// Log records one observation of a metric with weight 1.
func (l *RunLogger) Log(name string, value float64) {
	l.LogWeighted(name, value, 1)
}

// LogWeighted records one observation of a metric. Weight is typically the
// number of samples the observation covers, so batches of unequal size
// average correctly.
func (l *RunLogger) LogWeighted(name string, value, weight float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.seen[name] {
		l.seen[name] = true
		l.names = append(l.names, name)
	}
	l.pendingValues[name] = append(l.pendingValues[name], value)
	l.pendingWeights[name] = append(l.pendingWeights[name], weight)
}

// EndEpoch reduces all pending observations to weighted means, stores them
// as the row for epoch, and returns the row.
func (l *RunLogger) EndEpoch(epoch int) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := make(map[string]float64)
	for name, values := range l.pendingValues {
		if len(values) == 0 {
			continue
		}
		row[name] = stat.Mean(values, l.pendingWeights[name])
	}

	l.pendingValues = make(map[string][]float64)
	l.pendingWeights = make(map[string][]float64)
	l.epochs = append(l.epochs, epoch)
	l.rows = append(l.rows, row)
	return row
}

// Names returns the metric columns in first-seen order.
func (l *RunLogger) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// History returns the epochs at which a metric was recorded and its values,
// skipping epochs where the metric is absent.
func (l *RunLogger) History(name string) (epochs []int, values []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, row := range l.rows {
		if v, ok := row[name]; ok {
			epochs = append(epochs, l.epochs[i])
			values = append(values, v)
		}
	}
	return epochs, values
}

// LastRow returns the most recently completed epoch row, or nil.
func (l *RunLogger) LastRow() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rows) == 0 {
		return nil
	}
	row := make(map[string]float64, len(l.rows[len(l.rows)-1]))
	for k, v := range l.rows[len(l.rows)-1] {
		row[k] = v
	}
	return row
}

// NumEpochs returns how many epoch rows have been completed.
func (l *RunLogger) NumEpochs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// WriteCSV writes the full epoch history to path, one row per epoch with an
// "epoch" column first. Missing values are written as nan.
func (l *RunLogger) WriteCSV(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %v", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"epoch"}, l.names...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write log header: %v", err)
	}

	for i, row := range l.rows {
		record := make([]string, 0, len(header))
		record = append(record, strconv.Itoa(l.epochs[i]))
		for _, name := range l.names {
			value, ok := row[name]
			if !ok || math.IsNaN(value) {
				record = append(record, "nan")
				continue
			}
			record = append(record, strconv.FormatFloat(value, 'g', -1, 64))
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write log row: %v", err)
		}
	}

	w.Flush()
	return w.Error()
}
