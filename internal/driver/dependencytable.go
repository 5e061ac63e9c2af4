package driver

import "tagbuild/internal/tag"

// depEntry records that action, while running, looked up tag and chose
// provision (or ProvisionID 0, meaning it found nothing).
type depEntry struct {
	id        uint64
	tag       tag.Tag
	action    ActionID
	provision ProvisionID
}

// dependencyTable is the multi-index (Tag, Action, Provision) relation
// (spec §2, §3 invariant 3). Every lookup an ActionDriver performs adds a
// row; rows are never updated in place, only inserted and erased, so a
// single action's repeated lookups of the same tag are each kept as a
// separate row for resetDependentActions to walk. The entriesBy* lookups
// return rows in no particular order.
type dependencyTable struct {
	nextID uint64
	rows   map[uint64]depEntry

	byTag       map[tag.Tag]map[uint64]bool
	byAction    map[ActionID]map[uint64]bool
	byProvision map[ProvisionID]map[uint64]bool
}

func newDependencyTable() *dependencyTable {
	return &dependencyTable{
		rows:        make(map[uint64]depEntry),
		byTag:       make(map[tag.Tag]map[uint64]bool),
		byAction:    make(map[ActionID]map[uint64]bool),
		byProvision: make(map[ProvisionID]map[uint64]bool),
	}
}

func (dt *dependencyTable) insert(t tag.Tag, a ActionID, p ProvisionID) uint64 {
	id := dt.nextID
	dt.nextID++
	dt.rows[id] = depEntry{id: id, tag: t, action: a, provision: p}

	if dt.byTag[t] == nil {
		dt.byTag[t] = make(map[uint64]bool)
	}
	dt.byTag[t][id] = true

	if dt.byAction[a] == nil {
		dt.byAction[a] = make(map[uint64]bool)
	}
	dt.byAction[a][id] = true

	if p != 0 {
		if dt.byProvision[p] == nil {
			dt.byProvision[p] = make(map[uint64]bool)
		}
		dt.byProvision[p][id] = true
	}
	return id
}

func (dt *dependencyTable) entriesByTag(t tag.Tag) []depEntry {
	return dt.collect(dt.byTag[t])
}

func (dt *dependencyTable) entriesByAction(a ActionID) []depEntry {
	return dt.collect(dt.byAction[a])
}

func (dt *dependencyTable) entriesByProvision(p ProvisionID) []depEntry {
	return dt.collect(dt.byProvision[p])
}

func (dt *dependencyTable) collect(ids map[uint64]bool) []depEntry {
	out := make([]depEntry, 0, len(ids))
	for id := range ids {
		out = append(out, dt.rows[id])
	}
	return out
}

func (dt *dependencyTable) all() []depEntry {
	out := make([]depEntry, 0, len(dt.rows))
	for _, r := range dt.rows {
		out = append(out, r)
	}
	return out
}

func (dt *dependencyTable) erase(id uint64) {
	row, ok := dt.rows[id]
	if !ok {
		return
	}
	delete(dt.rows, id)
	delete(dt.byTag[row.tag], id)
	delete(dt.byAction[row.action], id)
	if row.provision != 0 {
		delete(dt.byProvision[row.provision], id)
	}
}

// eraseByAction removes every row keyed on a (spec §4.2 step 5).
func (dt *dependencyTable) eraseByAction(a ActionID) {
	for _, e := range dt.collect(dt.byAction[a]) {
		dt.erase(e.id)
	}
}

// eraseByProvision removes every row whose chosen provision is p (spec
// §4.2 step 4's "erase P from ... DependencyTable").
func (dt *dependencyTable) eraseByProvision(p ProvisionID) {
	for _, e := range dt.collect(dt.byProvision[p]) {
		dt.erase(e.id)
	}
}
