package types

import (
	"errors"
	"math"
	"sort"
	"time"
)

// Sample represents a single time-series sample
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series represents the samples of one series id (an RTU channel)
type Series struct {
	ID      string            `json:"id"`
	Labels  map[string]string `json:"labels,omitempty"`
	Samples []Sample          `json:"samples"`
}

// WriteRequest represents a write request to the local store
type WriteRequest struct {
	Series []Series `json:"series"`
}

// Samples is the answer of one fetch call: raw timestamp (seconds or
// milliseconds, see NormalizeMillis) to one value per requested series, in
// the order of the address' series list. NaN marks a missing value.
type Samples map[int64][]float64

// ErrBadAddress is returned when a query address cannot be decoded.
var ErrBadAddress = errors.New("malformed query address")

const (
	// TimeLayout is the wall-clock layout used inside query addresses.
	TimeLayout = "2006-01-02 15:04:05"
	// DateLayout is the day layout used inside query addresses and markers.
	DateLayout = "2006-01-02"
	// ClockLayout is the time-of-day layout used inside query addresses.
	ClockLayout = "15:04:05"
)

const (
	minPlausibleYear = 2000
	maxPlausibleYear = 2100
)

// NormalizeMillis converts a raw store timestamp to Unix milliseconds. The
// store may answer in seconds or milliseconds; the interpretation landing in
// a plausible calendar year wins, milliseconds first. Values plausible in
// neither unit are returned unchanged.
func NormalizeMillis(raw int64) int64 {
	if plausible(time.UnixMilli(raw)) {
		return raw
	}
	if plausible(time.Unix(raw, 0)) {
		return raw * 1000
	}
	return raw
}

func plausible(t time.Time) bool {
	y := t.UTC().Year()
	return y >= minPlausibleYear && y <= maxPlausibleYear
}

// FetchPoint is one timestamp of a fetch answer on the wire. A nil value is
// a missing sample.
type FetchPoint struct {
	Timestamp int64      `json:"ts"`
	Values    []*float64 `json:"values"`
}

// FetchResponse is the JSON body of the store's fetch endpoint.
type FetchResponse struct {
	Address string       `json:"address"`
	Points  []FetchPoint `json:"points"`
}

// EncodeSamples converts a fetch answer into its wire form, ordered by
// timestamp.
func EncodeSamples(address string, s Samples) FetchResponse {
	resp := FetchResponse{Address: address, Points: make([]FetchPoint, 0, len(s))}
	for ts, vals := range s {
		p := FetchPoint{Timestamp: ts, Values: make([]*float64, len(vals))}
		for i, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			p.Values[i] = &v
		}
		resp.Points = append(resp.Points, p)
	}
	sort.Slice(resp.Points, func(i, j int) bool { return resp.Points[i].Timestamp < resp.Points[j].Timestamp })
	return resp
}

// Samples converts the wire form back into a fetch answer.
func (r FetchResponse) Samples() Samples {
	out := make(Samples, len(r.Points))
	for _, p := range r.Points {
		vals := make([]float64, len(p.Values))
		for i, v := range p.Values {
			if v == nil {
				vals[i] = math.NaN()
				continue
			}
			vals[i] = *v
		}
		out[p.Timestamp] = vals
	}
	return out
}
