// Package symbols holds the read-only instrument to upstream-security-id
// table. The mapping is produced externally (the exchange master file); this
// package only carries the resolved values and never mutates them.
package symbols

import (
	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

// Table maps instrument identities to upstream security ids.
type Table struct {
	ids map[models.InstrumentRef]string
}

// NewTable builds the lookup table from configured instruments and chain
// underlyings. Later duplicates of the same instrument keep the first id.
func NewTable(instruments []appconfig.InstrumentSpec, underlyings []appconfig.UnderlyingSpec) *Table {
	ids := make(map[models.InstrumentRef]string, len(instruments)+len(underlyings))
	for _, s := range instruments {
		ref := s.Ref()
		if _, ok := ids[ref]; !ok {
			ids[ref] = s.SecurityID
		}
	}
	for _, u := range underlyings {
		ref := u.Ref()
		if _, ok := ids[ref]; !ok {
			ids[ref] = u.SecurityID
		}
	}
	return &Table{ids: ids}
}

// Lookup returns the upstream security id for an instrument.
func (t *Table) Lookup(ref models.InstrumentRef) (string, bool) {
	id, ok := t.ids[ref]
	return id, ok
}

// BySegment groups the security ids of the given instruments by exchange
// segment, the shape batch quote requests are keyed in. Instruments without a
// known id are skipped.
func (t *Table) BySegment(refs []models.InstrumentRef) map[string][]string {
	out := map[string][]string{}
	for _, ref := range refs {
		id, ok := t.ids[ref]
		if !ok {
			continue
		}
		seg := string(ref.Segment)
		out[seg] = append(out[seg], id)
	}
	return out
}

// Len reports how many instruments are mapped.
func (t *Table) Len() int {
	return len(t.ids)
}
