package state

import "encoding/json"

// VersionedValue is the current value of one key together with its version.
// Versions start at 0 on the first accepted write and increment by exactly
// one per write; they are never reused.
type VersionedValue struct {
	Key     Key
	Version uint64
	Value   json.RawMessage
}

// Store is a last-value-wins register per key. It keeps no history and does
// no throttling; rate limiting of deliveries is the broadcaster's job.
//
// Store is not safe for concurrent use. It is owned by the broadcaster
// goroutine; cross-goroutine producers publish through the broadcaster (or
// the worker host's RPC channel) rather than calling Set directly.
type Store struct {
	values map[Key]VersionedValue
}

func NewStore() *Store {
	return &Store{values: make(map[Key]VersionedValue, len(AllKeys))}
}

// Set stores value under key and returns the new version. The first write
// to a key yields version 0; every later write increments by one.
func (s *Store) Set(key Key, value json.RawMessage) uint64 {
	current, ok := s.values[key]
	version := uint64(0)
	if ok {
		version = current.Version + 1
	}
	s.values[key] = VersionedValue{Key: key, Version: version, Value: value}
	return version
}

// Get returns the current value for key, if any.
func (s *Store) Get(key Key) (VersionedValue, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys that have been written at least once.
func (s *Store) Len() int { return len(s.values) }

// Snapshot returns the current value of every key in keys that has been
// written, in AllKeys order. A nil filter means every key.
func (s *Store) Snapshot(keys map[Key]struct{}) []VersionedValue {
	out := make([]VersionedValue, 0, len(s.values))
	for _, k := range AllKeys {
		if keys != nil {
			if _, ok := keys[k]; !ok {
				continue
			}
		}
		if v, ok := s.values[k]; ok {
			out = append(out, v)
		}
	}
	return out
}
