package dogpile

import "time"

// schemaVersion is stamped into every Envelope written by this package. An
// envelope read back with a different version is treated as absent: it is
// never deserialized and never returned to a caller, but it also is never
// deleted out from under a concurrent reader. This lets a new deployment
// coexist with entries written by an older, incompatible version.
const schemaVersion = 2

// NoValue is the sentinel returned in place of an Envelope when a key is not
// present, distinct from any legitimate payload -- including a payload that
// would otherwise encode "null". Backends and the region return NoValue
// rather than a nil *Envelope so that "missing" and "cached nil" can never
// be confused.
var NoValue = noValueType{}

type noValueType struct{}

// CachedValue is either an *Envelope or NoValue. Callers type-switch on it.
type CachedValue interface {
	isCachedValue()
}

func (noValueType) isCachedValue() {}

// Metadata travels alongside a payload through the backend. Extra keys a
// caller attaches must round-trip unchanged; this package never reads
// anything but CreatedAt and Version.
type Metadata struct {
	CreatedAt float64        `json:"ct"`
	Version   int            `json:"v"`
	Extra     map[string]any `json:"-"`
}

// Envelope is the unit persisted in a Backend: a payload plus its metadata.
type Envelope struct {
	Payload  any
	Metadata Metadata
}

func (*Envelope) isCachedValue() {}

// newEnvelope wraps payload in a freshly stamped Envelope.
func newEnvelope(payload any, now time.Time) *Envelope {
	return &Envelope{
		Payload: payload,
		Metadata: Metadata{
			CreatedAt: float64(now.UnixNano()) / float64(time.Second),
			Version:   schemaVersion,
		},
	}
}

// createdAtTime converts the envelope's float creation timestamp back to a
// time.Time.
func (e *Envelope) createdAtTime() time.Time {
	secs := e.Metadata.CreatedAt
	return time.Unix(0, int64(secs*float64(time.Second)))
}

// versionMatches reports whether the envelope was written by the current
// schema version. A mismatch means "treat as absent" throughout this
// package -- see schemaVersion's doc comment.
func (e *Envelope) versionMatches() bool {
	return e.Metadata.Version == schemaVersion
}
