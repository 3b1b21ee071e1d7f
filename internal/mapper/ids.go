package mapper

import (
	"crypto/rand"
	"fmt"
)

// ContextId identifies a browsing context. For a top-level context it
// equals the underlying CDP TargetId; for a frame it equals the CDP
// FrameId.
type ContextId string

// RealmId identifies a script realm, stable for the lifetime of its CDP
// execution context.
type RealmId string

// SessionId is a CDP flattened-session identifier.
type SessionId string

// TargetId is a CDP target identifier.
type TargetId string

// FrameId is a CDP frame identifier.
type FrameId string

// BidiPreloadScriptId identifies a preload script as seen by the BiDi
// client; it has no CDP counterpart and is generated fresh on registration.
type BidiPreloadScriptId string

// CdpPreloadScriptId is the identifier the browser assigns a single
// Page.addScriptToEvaluateOnNewDocument registration.
type CdpPreloadScriptId string

// Handle is the CDP objectId exposed to the BiDi client as a stable
// reference to a remote object in a specific realm.
type Handle string

var idCounter uint64

// newUUID generates a random (version 4) UUID string. No UUID library
// appears anywhere in the example corpus, so this one corner uses the
// standard library directly.
func newUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		idCounter++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", idCounter)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// NewBidiPreloadScriptId mints a fresh preload script identifier.
func NewBidiPreloadScriptId() BidiPreloadScriptId {
	return BidiPreloadScriptId(newUUID())
}

// nextRealmId mints a realm identifier. Realm IDs are sequential rather
// than random since, unlike preload scripts, they are never handed to the
// client before the realm exists and collisions across restarts are not a
// concern (no persisted state, per the external interfaces).
var realmCounter uint64

func nextRealmId() RealmId {
	realmCounter++
	return RealmId(fmt.Sprintf("R%d", realmCounter))
}
