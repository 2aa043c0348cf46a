package respire

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Builder assembles a Mode. Setters may be called in any order; problems are
// collected and reported together by Build.
//
//	read := respire.NewMode("read").Action("readSensor").MustBuild()
//	sensor := respire.NewMode("sensor").
//		Periodic(4, respire.Hour).
//		StorageTag("sn").
//		Child(read).
//		MustBuild()
type Builder struct {
	m    *Mode
	idle *Mode
	errs []error
}

func NewMode(name string) *Builder {
	b := &Builder{m: &Mode{name: strings.TrimSpace(name), id: -1}}
	if b.m.name == "" {
		b.errs = append(b.errs, ErrEmptyName)
	}
	return b
}

func (b *Builder) Action(a Action) *Builder {
	if b.m != nil {
		b.m.action = Action(strings.TrimSpace(string(a)))
	}
	return b
}

func (b *Builder) Periodic(amount uint32, unit Unit) *Builder {
	if b.m == nil {
		return b
	}
	if amount == 0 || unit.Seconds() == 0 {
		b.errs = append(b.errs, fmt.Errorf("mode %q: %w", b.m.name, ErrInvalidInterval))
		return b
	}
	b.m.periodic = true
	b.m.every = amount
	b.m.unit = unit
	return b
}

func (b *Builder) RepeatLimit(n uint32) *Builder {
	if b.m == nil {
		return b
	}
	if n == 0 {
		b.errs = append(b.errs, fmt.Errorf("mode %q: %w", b.m.name, ErrInvalidRepeatLimit))
		return b
	}
	b.m.limited = true
	b.m.limit = n
	return b
}

func (b *Builder) StorageTag(tag string) *Builder {
	if b.m != nil {
		b.m.tag = strings.TrimSpace(tag)
	}
	return b
}

// Child appends children in declaration order.
func (b *Builder) Child(children ...*Mode) *Builder {
	if b.m == nil {
		return b
	}
	for _, c := range children {
		if c == nil {
			continue
		}
		b.m.children = append(b.m.children, c)
	}
	return b
}

// Idle designates one declared child as the fallback.
func (b *Builder) Idle(m *Mode) *Builder {
	b.idle = m
	return b
}

// Build validates the node, links children to it and returns it.
func (b *Builder) Build() (*Mode, error) {
	if b.m == nil {
		return nil, ErrBuilderUsed
	}
	m := b.m
	errs := slices.Clone(b.errs)

	seen := map[*Mode]bool{}
	for _, c := range m.children {
		if c.parent != nil || c.tree != nil {
			errs = append(errs, fmt.Errorf("mode %q: child %q: %w", m.name, c.name, ErrAlreadyAttached))
		}
		if seen[c] {
			errs = append(errs, fmt.Errorf("mode %q: child %q declared twice: %w", m.name, c.name, ErrAlreadyAttached))
		}
		seen[c] = true
	}
	if b.idle != nil && !seen[b.idle] {
		errs = append(errs, fmt.Errorf("mode %q: idle %q: %w", m.name, b.idle.name, ErrIdleNotChild))
	}
	if err := checkTags(m); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	m.idle = b.idle
	for _, c := range m.children {
		c.parent = m
	}
	b.m = nil
	return m, nil
}

// MustBuild is Build for static trees; it panics on a configuration error.
func (b *Builder) MustBuild() *Mode {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// checkTags rejects a storage tag shared by two modes of the same subtree.
func checkTags(root *Mode) error {
	owner := map[string]*Mode{}
	var errs []error
	root.walk(func(m *Mode) {
		if m.tag == "" {
			return
		}
		if prev, ok := owner[m.tag]; ok {
			errs = append(errs, fmt.Errorf("tag %q on %q and %q: %w", m.tag, prev.name, m.name, ErrDuplicateStorageTag))
			return
		}
		owner[m.tag] = m
	})
	return errors.Join(errs...)
}
