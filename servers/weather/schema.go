package weather

import "github.com/qri-io/jsonschema"

// CurrentWeatherArgs is an argument struct for the get_current_weather tool.
type CurrentWeatherArgs struct {
	City string `json:"city"`
}

// ForecastArgs is an argument struct for the get_forecast tool.
type ForecastArgs struct {
	City string `json:"city"`
	Days int    `json:"days"`
}

// Report is the subset of the wttr.in j1 document the tools read.
type Report struct {
	CurrentCondition []CurrentCondition `json:"current_condition"`
	Weather          []DailyForecast    `json:"weather"`
}

// CurrentCondition is the observed weather at request time. wttr.in reports every number as a string.
type CurrentCondition struct {
	TempC          string  `json:"temp_C"`
	TempF          string  `json:"temp_F"`
	Humidity       string  `json:"humidity"`
	WindspeedKmph  string  `json:"windspeedKmph"`
	Winddir16Point string  `json:"winddir16Point"`
	WeatherDesc    []Value `json:"weatherDesc"`
}

// DailyForecast is one day of the forecast.
type DailyForecast struct {
	Date     string           `json:"date"`
	MaxTempC string           `json:"maxtempC"`
	MinTempC string           `json:"mintempC"`
	Hourly   []HourlyForecast `json:"hourly"`
}

// HourlyForecast is a three-hour slot of a DailyForecast.
type HourlyForecast struct {
	Time        string  `json:"time"`
	WeatherDesc []Value `json:"weatherDesc"`
}

// Value wraps the single-field objects wttr.in uses for text.
type Value struct {
	Value string `json:"value"`
}

const (
	// MaxForecastDays is the longest forecast wttr.in returns.
	MaxForecastDays = 3

	toolCurrentWeather = "get_current_weather"
	toolForecast       = "get_forecast"
)

var currentWeatherSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "city": {
      "type": "string",
      "description": "City name (e.g., London, Tokyo, New York)"
    }
  },
  "required": ["city"]
}`)

var forecastSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "city": {
      "type": "string",
      "description": "City name (e.g., London, Tokyo, New York)"
    },
    "days": {
      "type": "integer",
      "description": "Number of days for forecast (1-3)",
      "minimum": 1,
      "maximum": 3
    }
  },
  "required": ["city", "days"]
}`)
