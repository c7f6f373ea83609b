package config

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// VoltageLookup is a compensation table. On disk it is an object keyed by temperature:
//
//	voltage_lookup:
//	  "0":  { carrier: 1.0, peak: 2.0 }
//	  "50": { carrier: 1.5, peak: 2.5 }
//
// Decoded points are sorted ascending by temperature.
type VoltageLookup []TempPoint

type lookupEntry struct {
	Carrier *float64 `yaml:"carrier" json:"carrier"`
	Peak    *float64 `yaml:"peak" json:"peak"`
}

func (e lookupEntry) point(key string) (TempPoint, error) {
	t, err := strconv.ParseFloat(key, 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		return TempPoint{}, fmt.Errorf("voltage_lookup key %q is not a temperature", key)
	}
	if e.Carrier == nil || e.Peak == nil {
		return TempPoint{}, fmt.Errorf("voltage_lookup %q needs carrier and peak", key)
	}
	return TempPoint{TemperatureC: t, Carrier: *e.Carrier, Peak: *e.Peak}, nil
}

func sortPoints(pts []TempPoint) {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].TemperatureC < pts[j].TemperatureC })
}

// UnmarshalJSON decodes the temperature-keyed object form.
func (v *VoltageLookup) UnmarshalJSON(data []byte) error {
	var raw map[string]lookupEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("voltage_lookup: %w", err)
	}
	pts := make([]TempPoint, 0, len(raw))
	for k, e := range raw {
		p, err := e.point(k)
		if err != nil {
			return err
		}
		pts = append(pts, p)
	}
	sortPoints(pts)
	*v = pts
	return nil
}

// UnmarshalYAML decodes the temperature-keyed mapping form. Keys may be plain numbers.
func (v *VoltageLookup) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("voltage_lookup: line %d: expected a mapping", node.Line)
	}
	pts := make([]TempPoint, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var e lookupEntry
		if err := val.Decode(&e); err != nil {
			return fmt.Errorf("voltage_lookup: line %d: %w", val.Line, err)
		}
		p, err := e.point(key.Value)
		if err != nil {
			return err
		}
		pts = append(pts, p)
	}
	sortPoints(pts)
	*v = pts
	return nil
}

// MarshalJSON writes the object form back out.
func (v VoltageLookup) MarshalJSON() ([]byte, error) {
	out := make(map[string]lookupEntry, len(v))
	for _, p := range v {
		carrier, peak := p.Carrier, p.Peak
		out[strconv.FormatFloat(p.TemperatureC, 'f', -1, 64)] = lookupEntry{Carrier: &carrier, Peak: &peak}
	}
	return json.Marshal(out)
}
