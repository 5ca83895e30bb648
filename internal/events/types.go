// Package events defines event types and payloads for the Royale event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Round lifecycle events
	EventRoundStateChanged EventType = "round_state_changed"
	EventChartSelected     EventType = "chart_selected"
	EventScoreReported     EventType = "score_reported"

	// Roster events
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"

	// Catalogue events
	EventCatalogueLoaded EventType = "catalogue_loaded"

	// System events
	EventHeartbeat EventType = "heartbeat"
	EventShutdown  EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// RoundStatePayload is emitted on every round state transition.
type RoundStatePayload struct {
	RoundID string    `json:"round_id"`
	State   string    `json:"state"`
	Prev    string    `json:"prev"`
	Song    string    `json:"song,omitempty"`
	Players int       `json:"players"`
	At      time.Time `json:"at"`
}

// PlayerPayload describes a player joining or leaving the lobby.
type PlayerPayload struct {
	ID      uint8  `json:"id"`
	Nick    string `json:"nick"`
	Admin   bool   `json:"admin"`
	Players int    `json:"players"`
}

// ScorePayload relays a client-reported score.
type ScorePayload struct {
	RoundID string `json:"round_id"`
	ID      uint8  `json:"id"`
	Nick    string `json:"nick"`
	Score   int32  `json:"score"`
}

// ChartSelectedPayload is emitted when Preparing settles on a chart.
type ChartSelectedPayload struct {
	RoundID    string `json:"round_id"`
	Song       string `json:"song"`
	Difficulty string `json:"difficulty"`
	Override   bool   `json:"override"`
	DurationMS int64  `json:"duration_ms"`
}

// CatalogueLoadedPayload summarises a catalogue load pass.
type CatalogueLoadedPayload struct {
	Full    bool `json:"full"`
	Songs   int  `json:"songs"`
	Charts  int  `json:"charts"`
	Added   int  `json:"added"`
	Skipped int  `json:"skipped"`
}

// HeartbeatPayload is the periodic health snapshot of the server process.
type HeartbeatPayload struct {
	State       string  `json:"state"`
	Connections int     `json:"connections"`
	Players     int     `json:"players"`
	Reaped      int     `json:"reaped"`
	CPUPercent  float64 `json:"cpu_percent"`
	RSSMB       uint64  `json:"rss_mb"`
	Goroutines  int     `json:"goroutines"`
	Dropped     uint64  `json:"events_dropped"`
}
