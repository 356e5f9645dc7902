package status

import (
	"fmt"
	"time"
)

const (
	TextSyncInProgress      = "⏳ Sync in progress..."
	TextSyncOff             = "❌ Sync is off."
	TextNoHandle            = "❌ Sync is on, but no SoundCloud username is set."
	TextFirstSyncPending    = "✅ Sync is on\n\n🕒 Waiting for the next check cycle..."
	TextSettingsUnavailable = "❌ Could not load your settings."
	TextAlreadyRunning      = "✅ Sync is already running."
)

// TimeLayout is how instants are shown to users.
const TimeLayout = "2006-01-02 15:04 UTC"

// NextSyncLine renders the next eligible sync instant, or the first-cycle
// hint when the user never synced.
func NextSyncLine(next *time.Time) string {
	if next == nil {
		return "🕒 Waiting for the next check cycle..."
	}
	return "🕒 Next sync: " + next.UTC().Format(TimeLayout)
}

func textNextSync(next *time.Time) string {
	return fmt.Sprintf("✅ Sync is on\n\n%s", NextSyncLine(next))
}
