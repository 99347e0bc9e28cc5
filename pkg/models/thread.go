package models

// ThreadTreeNode is one message in a thread's fork tree.
type ThreadTreeNode struct {
	MessageID       string    `json:"messageId"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	Role            Role      `json:"role"`
	RunID           string    `json:"runId"`
	RunStatus       RunStatus `json:"runStatus"`
}

// ForkPoint describes a message with more than one child, i.e. a point where
// runs diverged. Children are listed in insertion order.
type ForkPoint struct {
	ForkMessageID string   `json:"forkMessageId"`
	Children      []string `json:"children"`
	ActiveChildID string   `json:"activeChildId"`
}

// ThreadTree is the derived fork structure of a thread.
type ThreadTree struct {
	Nodes      []ThreadTreeNode `json:"nodes"`
	ForkPoints []ForkPoint      `json:"forkPoints"`
}

// BranchMode selects how getTranscript resolves forks.
type BranchMode string

const (
	// BranchAll returns every committed message in ordinal order.
	BranchAll BranchMode = "all"
	// BranchActive walks the tree preferring the most recently inserted
	// committed child at each fork.
	BranchActive BranchMode = "active"
	// BranchSelections walks the tree using explicit child picks, falling
	// back to active-mode selection where no valid pick exists.
	BranchSelections BranchMode = "selections"
)

// Branch is the transcript branch selector. Selections maps a fork message ID
// to the child message ID to follow; it is consulted only in BranchSelections
// mode and invalid entries never error.
type Branch struct {
	Mode       BranchMode        `json:"mode"`
	Selections map[string]string `json:"selections,omitempty"`
}

// ActiveBranch returns the default branch selector.
func ActiveBranch() Branch {
	return Branch{Mode: BranchActive}
}
