// Package builtin wires the forecasters shipped with the experimenter.
package builtin

import (
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
	"github.com/ramonehamilton/forecast-experimenter/internal/model/movingavg"
	"github.com/ramonehamilton/forecast-experimenter/internal/model/seq2seq"
)

// NewRegistry returns a registry holding every built-in model.
func NewRegistry() *model.Registry {
	r := model.NewRegistry()
	r.MustRegister(movingavg.Name, movingavg.Entry())
	r.MustRegister(seq2seq.Name, seq2seq.Entry())
	return r
}
