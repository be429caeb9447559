package viz

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"

	"github.com/norasector/carp/pkg/digitiser"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// WaveformPlotter draws the valid samples of a record against sample index.
type WaveformPlotter struct {
	name        string
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewWaveformPlotter(name string) *WaveformPlotter {
	return &WaveformPlotter{
		name:     name,
		plotFunc: plotutil.AddLines,
	}
}

func (w *WaveformPlotter) Name() string {
	return w.name
}

func (w *WaveformPlotter) SetPlotType(tp PlotType) {
	switch tp {
	case PlotTypeScatter:
		w.plotFunc = plotutil.AddScatters
	default:
		w.plotFunc = plotutil.AddLines
	}
}

func (w *WaveformPlotter) AddPlotOption(opt PlotOptions) {
	w.plotOptions = append(w.plotOptions, opt)
}

// Plot returns nil when the record has no valid samples.
func (w *WaveformPlotter) Plot(rec *digitiser.Record) (*ImageContainer, error) {
	samples := rec.Valid()
	if len(samples) == 0 {
		return nil, nil
	}

	p := plotWithDefaults()
	p.Title.Text = fmt.Sprintf("%s (channel %d, energy %d)", w.name, rec.Channel, rec.Energy)
	p.Y.Label.Text = "ADC counts"
	p.X.Label.Text = "Sample"

	for _, opt := range w.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(i), Y: float64(s)}
	}
	if err := w.plotFunc(p, "waveform", pts); err != nil {
		return nil, err
	}

	return render(w.name, p)
}
