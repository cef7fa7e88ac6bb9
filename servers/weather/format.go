package weather

import (
	"fmt"
	"strings"
)

func formatCurrentWeather(city string, report Report) (string, error) {
	if len(report.CurrentCondition) == 0 {
		return "", ErrNoData
	}
	current := report.CurrentCondition[0]

	return fmt.Sprintf(`Current Weather in %s:
Temperature: %s°C (%s°F)
Condition: %s
Humidity: %s%%
Wind: %s km/h %s`,
		city,
		current.TempC, current.TempF,
		describe(current.WeatherDesc),
		current.Humidity,
		current.WindspeedKmph, current.Winddir16Point,
	), nil
}

func formatForecast(city string, days int, report Report) (string, error) {
	if len(report.Weather) == 0 {
		return "", ErrNoData
	}
	forecast := report.Weather
	if days < len(forecast) {
		forecast = forecast[:days]
	}

	lines := []string{fmt.Sprintf("%d-Day Weather Forecast for %s:\n", days, city)}
	for _, day := range forecast {
		// The first slot of the day stands for the whole day.
		condition := "Unknown"
		if len(day.Hourly) > 0 {
			condition = describe(day.Hourly[0].WeatherDesc)
		}
		lines = append(lines, fmt.Sprintf("📅 %s: %s°C - %s°C, %s", day.Date, day.MinTempC, day.MaxTempC, condition))
	}

	return strings.Join(lines, "\n"), nil
}

func describe(values []Value) string {
	if len(values) == 0 || strings.TrimSpace(values[0].Value) == "" {
		return "Unknown"
	}
	return strings.TrimSpace(values[0].Value)
}
