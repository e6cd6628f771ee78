// Command chat is a terminal client for one locus-api dialogue session.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	_ = godotenv.Load()

	api := flag.String("api", envOr("LOCUS_API_URL", "http://localhost:8080"), "locus-api base URL")
	session := flag.String("session", uuid.NewString(), "dialogue session id")
	lat := flag.Float64("lat", math.NaN(), "latitude to report with every utterance")
	lon := flag.Float64("lon", math.NaN(), "longitude to report with every utterance")
	accuracy := flag.Float64("accuracy", 25, "accuracy in meters of the reported position")
	flag.Parse()

	var pos *position
	if !math.IsNaN(*lat) && !math.IsNaN(*lon) {
		pos = &position{Latitude: *lat, Longitude: *lon, AccuracyMeters: *accuracy}
	}

	m := newModel(newAPIClient(*api, *session, pos), *session)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
}
