package conversation

// NavigationMap is an append-only list of checkpoints indexed by prompt
// counter. It is owned by the foreground loop and is not safe for concurrent
// writers.
type NavigationMap struct {
	checkpoints []Checkpoint
}

func NewNavigationMap() *NavigationMap {
	return &NavigationMap{}
}

// Append records cp and returns its prompt counter, starting at 1.
func (n *NavigationMap) Append(cp Checkpoint) int {
	n.checkpoints = append(n.checkpoints, cp)
	return len(n.checkpoints)
}

func (n *NavigationMap) Get(counter int) (Checkpoint, bool) {
	if n == nil || counter < 1 || counter > len(n.checkpoints) {
		return Checkpoint{}, false
	}
	return n.checkpoints[counter-1], true
}

func (n *NavigationMap) Latest() (Checkpoint, bool) {
	if n == nil {
		return Checkpoint{}, false
	}
	return n.Get(len(n.checkpoints))
}

func (n *NavigationMap) Len() int {
	if n == nil {
		return 0
	}
	return len(n.checkpoints)
}
