package driver

import (
	"tagbuild/internal/action"
	"tagbuild/internal/tag"
)

// triggerRegistry is the multi-index Tag → ActionFactory relation.
type triggerRegistry struct {
	byTag map[tag.Tag][]action.ActionFactory
}

func newTriggerRegistry() *triggerRegistry {
	return &triggerRegistry{byTag: make(map[tag.Tag][]action.ActionFactory)}
}

func (tr *triggerRegistry) insert(t tag.Tag, f action.ActionFactory) {
	tr.byTag[t] = append(tr.byTag[t], f)
}

func (tr *triggerRegistry) factoriesFor(t tag.Tag) []action.ActionFactory {
	return tr.byTag[t]
}

// actionsByTrigger is the multi-index Provision → Action relation: which
// actions were spawned because a given provision was registered, so they
// can be torn down entirely if that provision later disappears.
type actionsByTrigger struct {
	byProvision map[ProvisionID][]ActionID
}

func newActionsByTrigger() *actionsByTrigger {
	return &actionsByTrigger{byProvision: make(map[ProvisionID][]ActionID)}
}

func (abt *actionsByTrigger) insert(p ProvisionID, a ActionID) {
	abt.byProvision[p] = append(abt.byProvision[p], a)
}

func (abt *actionsByTrigger) actionsFor(p ProvisionID) []ActionID {
	out := make([]ActionID, len(abt.byProvision[p]))
	copy(out, abt.byProvision[p])
	return out
}

// erase removes the entire range of actions attributed to p.
func (abt *actionsByTrigger) erase(p ProvisionID) {
	delete(abt.byProvision, p)
}

func (abt *actionsByTrigger) all() map[ProvisionID][]ActionID {
	return abt.byProvision
}
