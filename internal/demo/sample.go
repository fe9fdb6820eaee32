package demo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Meter struct {
	ID      string `json:"id"`
	Utility string `json:"utility"`
	Name    string `json:"name"`
	Unit    string `json:"unit"`
}

type Reading struct {
	ID      string          `json:"id"`
	MeterID string          `json:"meterId"`
	Date    string          `json:"date"`
	Value   decimal.Decimal `json:"value"`
}

type Tariff struct {
	ID             string          `json:"id"`
	Utility        string          `json:"utility"`
	PricePerUnit   decimal.Decimal `json:"pricePerUnit"`
	BaseFeeMonthly decimal.Decimal `json:"baseFeeMonthly"`
	Currency       string          `json:"currency"`
	ValidFrom      string          `json:"validFrom"`
}

type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type utilityProfile struct {
	utility  string
	name     string
	unit     string
	start    decimal.Decimal
	monthly  decimal.Decimal
	wobble   decimal.Decimal
	price    decimal.Decimal
	baseFee  decimal.Decimal
	places   int32
	readings string
	meters   string
}

var profiles = []utilityProfile{
	{
		utility: "water", name: "Main water", unit: "m3",
		start: decimal.RequireFromString("412.500"), monthly: decimal.RequireFromString("7.850"),
		wobble: decimal.RequireFromString("0.640"), price: decimal.RequireFromString("4.12"),
		baseFee: decimal.RequireFromString("9.50"), places: 3,
		readings: "water_readings", meters: "water_meters",
	},
	{
		utility: "heating", name: "District heating", unit: "kWh",
		start: decimal.RequireFromString("18250.0"), monthly: decimal.RequireFromString("610.0"),
		wobble: decimal.RequireFromString("145.5"), price: decimal.RequireFromString("0.1190"),
		baseFee: decimal.RequireFromString("21.00"), places: 1,
		readings: "heating_readings", meters: "heating_meters",
	},
	{
		utility: "electricity", name: "Household power", unit: "kWh",
		start: decimal.RequireFromString("30412.4"), monthly: decimal.RequireFromString("215.3"),
		wobble: decimal.RequireFromString("22.8"), price: decimal.RequireFromString("0.3240"),
		baseFee: decimal.RequireFromString("12.75"), places: 1,
		readings: "electricity_readings", meters: "electricity_meters",
	},
}

const sampleMonths = 12

// SampleData builds a year of monthly readings ending in the month of now,
// plus the meters, tariffs and settings that go with them. The output only
// depends on the month of now.
func SampleData(now time.Time) map[string]json.RawMessage {
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	first := end.AddDate(0, -(sampleMonths - 1), 0)
	out := map[string]json.RawMessage{}

	var tariffs []Tariff
	for _, p := range profiles {
		meter := Meter{ID: p.utility + "-main", Utility: p.utility, Name: p.name, Unit: p.unit}
		value := p.start
		readings := make([]Reading, 0, sampleMonths)
		for i := 0; i < sampleMonths; i++ {
			date := first.AddDate(0, i, 0)
			if i > 0 {
				// Seasonal swing so charts are not a straight line.
				step := p.monthly.Add(p.wobble.Mul(decimal.NewFromInt(int64(seasonalFactor(date.Month())))))
				value = value.Add(step)
			}
			readings = append(readings, Reading{
				ID:      fmt.Sprintf("%s-%s", meter.ID, date.Format("2006-01")),
				MeterID: meter.ID,
				Date:    date.Format("2006-01-02"),
				Value:   value.Round(p.places),
			})
		}
		out[p.readings] = mustJSON(readings)
		out[p.meters] = mustJSON([]Meter{meter})
		tariffs = append(tariffs, Tariff{
			ID:             "tariff-" + p.utility,
			Utility:        p.utility,
			PricePerUnit:   p.price,
			BaseFeeMonthly: p.baseFee,
			Currency:       "EUR",
			ValidFrom:      first.Format("2006-01-02"),
		})
	}
	out["tariffs"] = mustJSON(tariffs)
	out["household_members"] = mustJSON([]Member{{ID: "m1", Name: "Alex"}, {ID: "m2", Name: "Sam"}})
	out["household_size"] = mustJSON(2)
	out["currency"] = mustJSON("EUR")
	return out
}

// seasonalFactor is -2..2, highest in winter.
func seasonalFactor(month time.Month) int {
	switch month {
	case time.December, time.January, time.February:
		return 2
	case time.March, time.November:
		return 1
	case time.April, time.October:
		return 0
	case time.May, time.September:
		return -1
	default:
		return -2
	}
}

// Consumption returns the difference between the last and first reading.
func Consumption(readings []Reading) decimal.Decimal {
	if len(readings) < 2 {
		return decimal.Zero
	}
	return readings[len(readings)-1].Value.Sub(readings[0].Value)
}

// Cost prices consumption over months with the tariff, rounded to cents.
func Cost(consumption decimal.Decimal, months int, tariff Tariff) decimal.Decimal {
	fees := tariff.BaseFeeMonthly.Mul(decimal.NewFromInt(int64(months)))
	return consumption.Mul(tariff.PricePerUnit).Add(fees).Round(2)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
