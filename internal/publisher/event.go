package publisher

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event is one page view on its way to the queue. WebsiteID is empty when
// the hostname did not resolve; consumers drop such events.
type Event struct {
	Hostname    string    `json:"hostname"`
	WebsiteID   string    `json:"website_id,omitempty"`
	UserAgent   string    `json:"user_agent"`
	Referrer    string    `json:"referrer,omitempty"`
	Page        string    `json:"page"`
	IPAddress   string    `json:"ip_address"`
	CountryCode string    `json:"country_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Encode serializes the event the way it travels on the queue and in the spool.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a queue or spool payload.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Hostname == "" {
		return Event{}, fmt.Errorf("decode event: missing hostname")
	}
	return e, nil
}
