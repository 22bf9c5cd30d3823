package actions

import (
	"sort"
	"strings"

	"github.com/seasonpass/tracker/internal/pass"
)

type rule struct {
	prefix string
	typ    pass.ActionType
	skip   bool
}

// rules is matched top to bottom; more specific prefixes come first.
var rules = []rule{
	{prefix: "claim_", skip: true},
	{prefix: "hack_and_slash_random_buff", skip: true},
	{prefix: "hack_and_slash_sweep", typ: pass.ActionSweep},
	{prefix: "hack_and_slash", typ: pass.ActionHAS},
	{prefix: "battle_arena", typ: pass.ActionArena},
	{prefix: "battle", typ: pass.ActionArena},
	{prefix: "raid", typ: pass.ActionRaid},
	{prefix: "event_dungeon_battle", typ: pass.ActionEvent},
	{prefix: "wanted", typ: pass.ActionWanted},
	{prefix: "explore_adventure_boss", typ: pass.ActionChallenge},
	{prefix: "sweep_adventure_boss", typ: pass.ActionRush},
	{prefix: "infinite_tower", typ: pass.ActionInfiniteTower},
}

// Classify maps a raw chain action identifier to its action type. ok is false for
// excluded sub-actions and unknown identifiers.
func Classify(raw string) (pass.ActionType, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, r := range rules {
		if !strings.HasPrefix(raw, r.prefix) {
			continue
		}
		if r.skip {
			return "", false
		}
		return r.typ, true
	}
	return "", false
}

var accepted = map[pass.PassType]map[pass.ActionType]bool{
	pass.PassCourage: {
		pass.ActionHAS:           true,
		pass.ActionSweep:         true,
		pass.ActionArena:         true,
		pass.ActionRaid:          true,
		pass.ActionEvent:         true,
		pass.ActionInfiniteTower: true,
	},
	pass.PassAdventureBoss: {
		pass.ActionWanted:    true,
		pass.ActionChallenge: true,
		pass.ActionRush:      true,
	},
	pass.PassWorldClear: {
		pass.ActionHAS: true,
	},
}

// Accepts reports whether actions of type at feed pass type pt.
func Accepts(pt pass.PassType, at pass.ActionType) bool {
	return accepted[pt][at]
}

// Event is one classified action of a batch.
type Event struct {
	Raw     string
	Type    pass.ActionType
	Payload Payload
}

// Events classifies the batch and keeps the actions that feed pt. Buckets are visited
// in sorted order so replays see the same sequence.
func Events(b Batch, pt pass.PassType) []Event {
	keys := make([]string, 0, len(b.ActionData))
	for k := range b.ActionData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Event
	for _, raw := range keys {
		typ, ok := Classify(raw)
		if !ok || !Accepts(pt, typ) {
			continue
		}
		for _, p := range b.ActionData[raw] {
			out = append(out, Event{Raw: raw, Type: typ, Payload: p})
		}
	}
	return out
}
