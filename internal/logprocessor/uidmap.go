package logprocessor

import (
	"strconv"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/uidmap"
)

// Isolated-uid meta-atom ids. Not specified further by spec §4.8 beyond
// "if the atom is an isolated-uid-mapping meta-event" (SPEC_FULL.md §12.4);
// this engine reserves three small, source-defined atom ids for them,
// analogous to Android's UID_DATA/ISOLATED_UID_CHANGED pulled/pushed atoms.
const (
	AtomUidMapSnapshot    uint32 = 1
	AtomIsolatedUidAdded  uint32 = 2
	AtomIsolatedUidRemoved uint32 = 3
)

// Field numbers within the meta-atoms above.
const (
	fieldUID         int32 = 1
	fieldPackageName int32 = 2
	fieldVersionCode int32 = 3
	fieldVersionName int32 = 4
	fieldIsolatedUID int32 = 1
	fieldParentUID   int32 = 2
)

// maybeUpdateUidMap implements spec §4.8 step 1: meta-events describing
// uid/isolated-uid changes update the UidMap before matcher evaluation, so
// every matcher in step 2 sees a consistent uid->app resolution.
func (p *Processor) maybeUpdateUidMap(e *event.Event) {
	if p.uidMap == nil {
		return
	}
	switch e.AtomID {
	case AtomUidMapSnapshot:
		uidVal, ok1 := e.Field(fieldUID, -1)
		pkgVal, ok2 := e.Field(fieldPackageName, -1)
		if !ok1 || !ok2 {
			return
		}
		versionCode, _ := e.Field(fieldVersionCode, -1)
		versionName, _ := e.Field(fieldVersionName, -1)
		p.uidMap.UpdateApp(uidVal.Int32, uidmap.AppInfo{
			PackageName: pkgVal.Str,
			VersionCode: versionCode.Int64,
			VersionName: versionName.Str,
		})
	case AtomIsolatedUidAdded:
		iso, ok1 := e.Field(fieldIsolatedUID, -1)
		parent, ok2 := e.Field(fieldParentUID, -1)
		if ok1 && ok2 {
			p.uidMap.NoteIsolatedUid(iso.Int32, parent.Int32)
		}
	case AtomIsolatedUidRemoved:
		iso, ok := e.Field(fieldIsolatedUID, -1)
		if ok {
			p.uidMap.RemoveIsolatedUid(iso.Int32)
		}
	}
}

func atomLabel(atomID uint32) string  { return strconv.FormatUint(uint64(atomID), 10) }
func ownerLabel(owner int64) string   { return strconv.FormatInt(owner, 10) }
func configIDLabel(id int64) string   { return strconv.FormatInt(id, 10) }
