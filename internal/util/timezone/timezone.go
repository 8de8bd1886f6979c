package timezone

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	mu              sync.RWMutex
	currentLocation *time.Location
)

// Initialize sets the location used for record timestamps. The TZ environment
// variable wins over the configured name; an empty or unknown zone falls back to UTC.
func Initialize(name string) {
	if envTZ := os.Getenv("TZ"); envTZ != "" {
		name = envTZ
	}
	if name == "" {
		name = "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", name, err)
		loc = time.UTC
	} else {
		log.Infof("Timezone initialized to %s", name)
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
}

// Location returns the configured location, UTC before Initialize.
func Location() *time.Location {
	mu.RLock()
	defer mu.RUnlock()
	if currentLocation == nil {
		return time.UTC
	}
	return currentLocation
}

// Now returns the current time in the configured location.
func Now() time.Time {
	return time.Now().In(Location())
}

// RFC3339 formats t in the configured location.
func RFC3339(t time.Time) string {
	return t.In(Location()).Format(time.RFC3339)
}
