package state

// Key names one slice of server state. The set is closed: the broadcaster
// rejects subscriptions containing anything else, and the dispatcher in the
// render worker only accepts publishes for known keys.
type Key string

const (
	KeySequences        Key = "sequences"
	KeyPlaylists        Key = "playlists"
	KeySchedule         Key = "schedule"
	KeyPlaybackStatus   Key = "pStatus"
	KeyControllerStatus Key = "cStatus"
	KeyPlaybackSettings Key = "playbackSettings"
	KeyOutputSettings   Key = "outputSettings"
	KeySystemInfo       Key = "systemInfo"
)

// AllKeys lists every known key in a stable order. Snapshots iterate this
// instead of the store map so output ordering is deterministic.
var AllKeys = []Key{
	KeySequences,
	KeyPlaylists,
	KeySchedule,
	KeyPlaybackStatus,
	KeyControllerStatus,
	KeyPlaybackSettings,
	KeyOutputSettings,
	KeySystemInfo,
}

var knownKeys = func() map[Key]struct{} {
	m := make(map[Key]struct{}, len(AllKeys))
	for _, k := range AllKeys {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether k is part of the closed key set.
func (k Key) Valid() bool {
	_, ok := knownKeys[k]
	return ok
}

func (k Key) String() string { return string(k) }
