package respire

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Tree indexes a built mode hierarchy. Indices are assigned in pre-order and
// stay stable for the life of the tree; runtime state is keyed by them.
type Tree struct {
	root   *Mode
	nodes  []*Mode
	tagged []*Mode
}

// NewTree freezes root and its descendants into an arena. Calling it again
// with the same root returns the existing tree.
func NewTree(root *Mode) (*Tree, error) {
	if root == nil {
		return nil, fmt.Errorf("respire: nil root")
	}
	if root.tree != nil {
		if root.tree.root == root {
			return root.tree, nil
		}
		return nil, fmt.Errorf("mode %q: %w", root.name, ErrAlreadyAttached)
	}
	if root.parent != nil {
		return nil, fmt.Errorf("mode %q: %w", root.name, ErrNotRoot)
	}
	if err := checkTags(root); err != nil {
		return nil, err
	}

	t := &Tree{root: root}
	root.walk(func(m *Mode) {
		m.id = len(t.nodes)
		m.tree = t
		t.nodes = append(t.nodes, m)
		if m.tag != "" {
			t.tagged = append(t.tagged, m)
		}
	})
	return t, nil
}

func (t *Tree) Root() *Mode { return t.root }

func (t *Tree) Len() int { return len(t.nodes) }

// Modes returns every mode in pre-order.
func (t *Tree) Modes() []*Mode { return append([]*Mode(nil), t.nodes...) }

// Tagged returns the modes carrying a storage tag, in pre-order.
func (t *Tree) Tagged() []*Mode { return append([]*Mode(nil), t.tagged...) }

// Contains reports whether m belongs to this tree.
func (t *Tree) Contains(m *Mode) bool { return m != nil && m.tree == t }

// Find resolves a slash separated path of names starting at the root,
// e.g. "root/sensor/read". The first matching child wins.
func (t *Tree) Find(path string) *Mode {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] != t.root.name {
		return nil
	}
	cur := t.root
	for _, p := range parts[1:] {
		var next *Mode
		for _, c := range cur.children {
			if c.name == p {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

var (
	dumpActive    = color.New(color.FgGreen, color.Bold).SprintFunc()
	dumpExhausted = color.New(color.FgRed).SprintFunc()
	dumpAttr      = color.New(color.FgCyan).SprintFunc()
)

// Dump writes one line per mode: a status marker ("*" active, "x" exhausted,
// "-" otherwise), the name, and its configuration and runtime counters.
func (t *Tree) Dump(w io.Writer, l Lookup) error {
	var ms *ModeStates
	if l != nil {
		ms = l.Modes()
	}
	var err error
	t.root.walk(func(m *Mode) {
		if err != nil {
			return
		}
		var rt Runtime
		if ms != nil {
			rt = ms.At(m)
		}
		depth := 0
		for p := m.parent; p != nil; p = p.parent {
			depth++
		}
		marker := "-"
		switch {
		case rt.Active:
			marker = dumpActive("*")
		case m.limited && rt.RepeatCount >= m.limit:
			marker = dumpExhausted("x")
		}

		var b strings.Builder
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(marker)
		b.WriteString(" ")
		b.WriteString(m.name)
		attr := func(k, v string) {
			b.WriteString(" ")
			b.WriteString(dumpAttr(k + "=" + v))
		}
		if m.action != "" {
			attr("action", string(m.action))
		}
		if m.periodic {
			attr("every", fmt.Sprintf("%d%s", m.every, m.unit))
		}
		if m.tag != "" {
			attr("tag", m.tag)
		}
		if m.idle != nil {
			attr("idle", m.idle.name)
		}
		if m.limited {
			attr("runs", fmt.Sprintf("%d/%d", rt.RepeatCount, m.limit))
		} else {
			attr("runs", fmt.Sprintf("%d", rt.RepeatCount))
		}
		if m.periodic {
			attr("lt", fmt.Sprintf("%d", rt.LastTrigger))
			attr("cw", fmt.Sprintf("%d", rt.CumulativeWait))
		}
		b.WriteString("\n")
		_, err = io.WriteString(w, b.String())
	})
	return err
}
