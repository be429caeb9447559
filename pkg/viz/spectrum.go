package viz

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"

	"github.com/norasector/carp/pkg/digitiser"
)

const (
	MIX_AVG = 0.10
	// coherent gain of the Blackman window
	blackmanGain = 0.42
	minPower     = 1e-12
)

// SpectrumPlotter draws the Blackman-windowed magnitude spectrum of a
// record with exponential averaging across refreshes. The average restarts
// when the record length changes.
type SpectrumPlotter struct {
	name         string
	averagePower []float64
	plotOptions  []PlotOptions
}

func NewSpectrumPlotter(name string) *SpectrumPlotter {
	return &SpectrumPlotter{name: name}
}

func (s *SpectrumPlotter) Name() string {
	return s.name
}

func (s *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	s.plotOptions = append(s.plotOptions, opt)
}

// Spectrum returns the magnitude of each non-negative frequency bin of the
// samples after removing the mean and applying a Blackman window. Bin i
// sits at i/len(samples) cycles per sample.
func Spectrum(samples []int16) []float64 {
	n := len(samples)
	if n < 2 {
		return nil
	}

	var mean float64
	for _, v := range samples {
		mean += float64(v)
	}
	mean /= float64(n)

	data := make([]float64, n)
	win := window.Blackman(n)
	for i, v := range samples {
		data[i] = (float64(v) - mean) * win[i]
	}

	coeffs := fourier.NewFFT(n).Coefficients(nil, data)
	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c) / (blackmanGain * float64(n))
	}
	return mags
}

func (s *SpectrumPlotter) Plot(rec *digitiser.Record) (*ImageContainer, error) {
	samples := rec.Valid()
	mags := Spectrum(samples)
	if mags == nil {
		return nil, nil
	}

	if len(s.averagePower) != len(mags) {
		s.averagePower = append([]float64(nil), mags...)
	} else {
		for i, m := range mags {
			s.averagePower[i] = ((1.0 - MIX_AVG) * s.averagePower[i]) + (MIX_AVG * m)
		}
	}

	p := plotWithDefaults()
	p.Title.Text = s.name
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (cycles/sample)"

	for _, opt := range s.plotOptions {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	n := float64(len(samples))
	pts := make(plotter.XYs, len(s.averagePower))
	for i, pw := range s.averagePower {
		pts[i] = plotter.XY{X: float64(i) / n, Y: 20 * math.Log10(math.Max(pw, minPower))}
	}
	if err := plotutil.AddLines(p, "spectrum", pts); err != nil {
		return nil, err
	}

	return render(s.name, p)
}
