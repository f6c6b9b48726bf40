package jobservice

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// TR55Input is a storm over a set of land covers.
type TR55Input struct {
	PrecipitationIn float64     `json:"precipitation_in"`
	LandCover       []CoverArea `json:"land_cover"`
}

type CoverArea struct {
	Name        string  `json:"name"`
	CurveNumber float64 `json:"curve_number"`
	AreaKm2     float64 `json:"area_km2"`
}

type TR55Output struct {
	RunoffIn  float64       `json:"runoff_in"`
	VolumeM3  float64       `json:"volume_m3"`
	AreaKm2   float64       `json:"area_km2"`
	ByCover   []CoverRunoff `json:"by_cover"`
	Retention float64       `json:"retention_in"`
}

type CoverRunoff struct {
	Name     string  `json:"name"`
	RunoffIn float64 `json:"runoff_in"`
	VolumeM3 float64 `json:"volume_m3"`
}

const metresPerInch = 0.0254

// TR55 estimates storm runoff with the SCS curve number method:
// S = 1000/CN - 10, Q = (P - 0.2S)^2 / (P + 0.8S) when P > 0.2S, else 0.
func TR55(ctx context.Context, in Input) (json.RawMessage, error) {
	var req TR55Input
	if err := in.Decode(&req); err != nil {
		return nil, err
	}
	if req.PrecipitationIn < 0 || math.IsNaN(req.PrecipitationIn) {
		return nil, fmt.Errorf("%w: precipitation_in must be >= 0", ErrInvalidInput)
	}
	if len(req.LandCover) == 0 {
		return nil, fmt.Errorf("%w: land_cover is empty", ErrInvalidInput)
	}

	var out TR55Output
	var weightedS float64
	for i, c := range req.LandCover {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.CurveNumber <= 0 || c.CurveNumber > 100 {
			return nil, fmt.Errorf("%w: land_cover[%d].curve_number must be in (0, 100]", ErrInvalidInput, i)
		}
		if c.AreaKm2 <= 0 {
			return nil, fmt.Errorf("%w: land_cover[%d].area_km2 must be > 0", ErrInvalidInput, i)
		}
		s := 1000/c.CurveNumber - 10
		q := scsRunoff(req.PrecipitationIn, s)
		vol := q * metresPerInch * c.AreaKm2 * 1e6

		out.ByCover = append(out.ByCover, CoverRunoff{Name: c.Name, RunoffIn: round(q, 4), VolumeM3: round(vol, 2)})
		out.AreaKm2 += c.AreaKm2
		out.VolumeM3 += vol
		weightedS += s * c.AreaKm2
	}
	out.RunoffIn = round(out.VolumeM3/(out.AreaKm2*1e6)/metresPerInch, 4)
	out.Retention = round(weightedS/out.AreaKm2, 4)
	out.VolumeM3 = round(out.VolumeM3, 2)

	return json.Marshal(map[string]TR55Output{"runoff": out})
}

func scsRunoff(p, s float64) float64 {
	ia := 0.2 * s
	if p <= ia {
		return 0
	}
	return (p - ia) * (p - ia) / (p + 0.8*s)
}

type StatsInput struct {
	Values []float64 `json:"values"`
}

type StatsOutput struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
}

// Stats summarises a series of raster samples.
func Stats(ctx context.Context, in Input) (json.RawMessage, error) {
	var req StatsInput
	if err := in.Decode(&req); err != nil {
		return nil, err
	}
	if len(req.Values) == 0 {
		return nil, fmt.Errorf("%w: values is empty", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sorted := append([]float64(nil), req.Values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := float64(len(sorted))
	mean := sum / n

	var sq float64
	for _, v := range sorted {
		sq += (v - mean) * (v - mean)
	}

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return json.Marshal(StatsOutput{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   round(mean, 6),
		Median: median,
		StdDev: round(math.Sqrt(sq/n), 6),
	})
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
