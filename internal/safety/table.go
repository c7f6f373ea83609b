package safety

import (
	"math"
	"sort"

	"github.com/ChuLiYu/femd/internal/config"
)

// Voltages is a carrier/peak DAC pair.
type Voltages struct {
	Carrier float64
	Peak    float64
}

// Table is a temperature compensation table, sorted ascending and read-only after NewTable.
type Table struct {
	points []config.TempPoint
}

// NewTable copies points, sorts them by temperature and keeps at most MaxTablePoints.
func NewTable(points []config.TempPoint) Table {
	n := len(points)
	if n == 0 {
		return Table{}
	}
	pts := make([]config.TempPoint, n)
	copy(pts, points)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].TemperatureC < pts[j].TemperatureC })
	if len(pts) > config.MaxTablePoints {
		pts = pts[:config.MaxTablePoints]
	}
	return Table{points: pts}
}

func (t Table) Len() int { return len(t.points) }

// Points returns a copy of the table rows.
func (t Table) Points() []config.TempPoint {
	return append([]config.TempPoint(nil), t.points...)
}

// Lookup interpolates the voltages for tempC. An empty table or a NaN temperature returns def.
// Temperatures outside the table clamp to the first or last point.
func (t Table) Lookup(tempC float64, def Voltages) Voltages {
	pts := t.points
	if len(pts) == 0 || math.IsNaN(tempC) {
		return def
	}

	first, last := pts[0], pts[len(pts)-1]
	if tempC <= first.TemperatureC {
		return Voltages{Carrier: first.Carrier, Peak: first.Peak}
	}
	if tempC >= last.TemperatureC {
		return Voltages{Carrier: last.Carrier, Peak: last.Peak}
	}

	// 第一個溫度 >= tempC 的點，前一點即為下界
	i := sort.Search(len(pts), func(i int) bool { return pts[i].TemperatureC >= tempC })
	lo, hi := pts[i-1], pts[i]
	if hi.TemperatureC == tempC {
		return Voltages{Carrier: hi.Carrier, Peak: hi.Peak}
	}

	ratio := (tempC - lo.TemperatureC) / (hi.TemperatureC - lo.TemperatureC)
	return Voltages{
		Carrier: lo.Carrier + ratio*(hi.Carrier-lo.Carrier),
		Peak:    lo.Peak + ratio*(hi.Peak-lo.Peak),
	}
}
