package ledger

import (
	"sort"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// threadView is the in-memory fork structure of one thread, built from the
// flat ordinal-ordered message list plus each producing run's status. Both
// store implementations resolve branches through it so the walk semantics
// cannot drift between backends.
type threadView struct {
	rows []treeRow
	// children groups rows by parent key in insertion order. The empty key
	// collects true roots; an orphan parent (referenced but absent from the
	// thread) keeps its own key and acts as an additional root group.
	children map[string][]treeRow
	rootKeys []string
}

type treeRow struct {
	msg       models.CanonicalMessage
	runStatus models.RunStatus
}

// newThreadView builds the fork structure. rows must be sorted by ordinal
// ascending; run statuses are looked up by the message's runId.
func newThreadView(rows []treeRow) *threadView {
	v := &threadView{
		rows:     rows,
		children: make(map[string][]treeRow),
	}

	present := make(map[string]bool, len(rows))
	for _, r := range rows {
		present[r.msg.ID] = true
	}

	seenKey := make(map[string]bool)
	for _, r := range rows {
		key := r.msg.ParentMessageID
		v.children[key] = append(v.children[key], r)
		// Root groups: no parent, or a parent outside the thread. Ordered
		// by the group's first child's ordinal, i.e. first appearance.
		if (key == "" || !present[key]) && !seenKey[key] {
			seenKey[key] = true
			v.rootKeys = append(v.rootKeys, key)
		}
	}
	return v
}

// activeChild applies the default selection rule to one sibling group: the
// most recently inserted child whose run committed, else the most recently
// inserted child.
func activeChild(siblings []treeRow) treeRow {
	for i := len(siblings) - 1; i >= 0; i-- {
		if siblings[i].runStatus == models.RunStatusCommitted {
			return siblings[i]
		}
	}
	return siblings[len(siblings)-1]
}

// selectChild resolves one fork, honoring an explicit selection when it
// names an existing child and falling back to the active rule otherwise.
func selectChild(siblings []treeRow, branch models.Branch, forkID string) treeRow {
	if branch.Mode == models.BranchSelections {
		if want, ok := branch.Selections[forkID]; ok {
			for _, s := range siblings {
				if s.msg.ID == want {
					return s
				}
			}
		}
	}
	return activeChild(siblings)
}

// resolve walks the tree and returns the transcript for the branch.
func (v *threadView) resolve(branch models.Branch) []models.CanonicalMessage {
	if branch.Mode == models.BranchAll {
		out := make([]models.CanonicalMessage, 0, len(v.rows))
		for _, r := range v.rows {
			out = append(out, r.msg)
		}
		return out
	}

	out := make([]models.CanonicalMessage, 0, len(v.rows))
	for _, key := range v.rootKeys {
		cur := key
		for {
			siblings := v.children[cur]
			if len(siblings) == 0 {
				break
			}
			next := selectChild(siblings, branch, cur)
			out = append(out, next.msg)
			cur = next.msg.ID
		}
	}
	return out
}

// tree derives the node list and fork points.
func (v *threadView) tree() *models.ThreadTree {
	t := &models.ThreadTree{
		Nodes:      make([]models.ThreadTreeNode, 0, len(v.rows)),
		ForkPoints: []models.ForkPoint{},
	}
	for _, r := range v.rows {
		t.Nodes = append(t.Nodes, models.ThreadTreeNode{
			MessageID:       r.msg.ID,
			ParentMessageID: r.msg.ParentMessageID,
			Role:            r.msg.Role,
			RunID:           r.msg.RunID,
			RunStatus:       r.runStatus,
		})
	}

	keys := make([]string, 0, len(v.children))
	for key, siblings := range v.children {
		if len(siblings) > 1 {
			keys = append(keys, key)
		}
	}
	// Fork points ordered by the fork's first child so output is stable.
	sort.Slice(keys, func(i, j int) bool {
		return v.children[keys[i]][0].msg.Ordinal < v.children[keys[j]][0].msg.Ordinal
	})
	for _, key := range keys {
		siblings := v.children[key]
		fp := models.ForkPoint{
			ForkMessageID: key,
			Children:      make([]string, 0, len(siblings)),
			ActiveChildID: activeChild(siblings).msg.ID,
		}
		for _, s := range siblings {
			fp.Children = append(fp.Children, s.msg.ID)
		}
		t.ForkPoints = append(t.ForkPoints, fp)
	}
	return t
}
