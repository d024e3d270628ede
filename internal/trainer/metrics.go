package trainer

import (
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
)

// Metric names reported by the trainer.
const (
	MetricMSE  = "mse"
	MetricMAE  = "mae"
	MetricRMSE = "rmse"
	MetricMAPE = "mape"
)

// accumulator sums forecast errors over many samples.
type accumulator struct {
	n       int
	sqErr   float64
	absErr  float64
	pctErr  float64
	pctSeen int
}

func (a *accumulator) add(pred, target []float64) {
	for i := 0; i < len(pred) && i < len(target); i++ {
		d := pred[i] - target[i]
		a.n++
		a.sqErr += d * d
		a.absErr += math.Abs(d)
		if target[i] != 0 {
			a.pctErr += math.Abs(d / target[i])
			a.pctSeen++
		}
	}
}

func (a *accumulator) metrics() experiment.Metrics {
	if a.n == 0 {
		return experiment.Metrics{}
	}
	mse := a.sqErr / float64(a.n)
	m := experiment.Metrics{
		MetricMSE:  mse,
		MetricMAE:  a.absErr / float64(a.n),
		MetricRMSE: math.Sqrt(mse),
	}
	if a.pctSeen > 0 {
		m[MetricMAPE] = 100 * a.pctErr / float64(a.pctSeen)
	}
	return m
}
