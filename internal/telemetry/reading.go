// Package telemetry produces air quality readings and encodes them
// into hub messages.
package telemetry

import (
	"math"
	"math/rand"

	"github.com/temoto/airtele/helpers"
)

// Reading is one sample of all sensors. Created per tick, never modified.
type Reading struct {
	Radon       float64 `json:"radon"`       // pCi/L
	PM2p5       float64 `json:"pm2p5"`       // ug/m3
	VOC         float64 `json:"voc"`         // ppb
	CO2         float64 `json:"co2"`         // ppm
	Humidity    float64 `json:"humidity"`    // %
	Temperature float64 `json:"temperature"` // C
	Pressure    float64 `json:"pressure"`    // hPa
}

// Range is closed [Min, Max] interval with rounding to Precision decimal places.
type Range struct {
	Name      string
	Min, Max  float64
	Precision int
}

// Ranges in the order of Reading fields and JSON keys.
var Ranges = [...]Range{
	{"radon", 0.1, 4.0, 2},
	{"pm2p5", 5.0, 50.0, 2},
	{"voc", 50, 1000, 1},
	{"co2", 400, 2000, 0},
	{"humidity", 30.0, 70.0, 1},
	{"temperature", 18.0, 30.0, 1},
	{"pressure", 980.0, 1050.0, 1},
}

// Fields returns values in Ranges order.
func (r Reading) Fields() [len(Ranges)]float64 {
	return [...]float64{r.Radon, r.PM2p5, r.VOC, r.CO2, r.Humidity, r.Temperature, r.Pressure}
}

// Map returns JSON key -> value.
func (r Reading) Map() map[string]float64 {
	fs := r.Fields()
	m := make(map[string]float64, len(fs))
	for i, v := range fs {
		m[Ranges[i].Name] = v
	}
	return m
}

// Sampler is not safe for concurrent use, same as *rand.Rand.
type Sampler struct {
	rand *rand.Rand
}

// NewSampler with nil source seeds from current time.
func NewSampler(r *rand.Rand) *Sampler {
	if r == nil {
		r = helpers.RandUnix()
	}
	return &Sampler{rand: r}
}

func (s *Sampler) Sample() Reading {
	var v [len(Ranges)]float64
	for i, rg := range Ranges {
		v[i] = rg.draw(s.rand)
	}
	return Reading{
		Radon:       v[0],
		PM2p5:       v[1],
		VOC:         v[2],
		CO2:         v[3],
		Humidity:    v[4],
		Temperature: v[5],
		Pressure:    v[6],
	}
}

func (rg Range) draw(r *rand.Rand) float64 {
	x := rg.Min + r.Float64()*(rg.Max-rg.Min)
	return rg.Clamp(Round(x, rg.Precision))
}

// Clamp guards against float error at the edges after rounding.
func (rg Range) Clamp(x float64) float64 {
	return math.Max(rg.Min, math.Min(rg.Max, x))
}

// Contains reports x within range and with no more than Precision decimals.
func (rg Range) Contains(x float64) bool {
	if x < rg.Min || x > rg.Max {
		return false
	}
	return Round(x, rg.Precision) == x
}

func Round(x float64, precision int) float64 {
	k := math.Pow(10, float64(precision))
	return math.Round(x*k) / k
}
