// Package classify decides whether a batch failure is worth redelivering.
//
// A Registry is built once at startup by a Builder and never changes. It
// walks the whole cause chain of a failure, outermost link first, and reports
// a match as soon as any link belongs to a registered Kind.
package classify

import (
	"errors"
	"reflect"

	"github.com/YaganovValera/batch-retry/common/kafka"
)

// Kind is a named failure kind matched against a single chain link.
type Kind struct {
	Name  string
	match func(link error) bool
}

// TypeOf matches links whose concrete type is exactly T.
func TypeOf[T error](name string) Kind {
	want := reflect.TypeFor[T]()
	return Kind{Name: name, match: func(link error) bool {
		return reflect.TypeOf(link) == want
	}}
}

// Sentinel matches links identical to target, or links whose own Is method
// reports target. Only the link itself is checked, not its causes.
func Sentinel(name string, target error) Kind {
	return Kind{Name: name, match: func(link error) bool {
		if equalLink(link, target) {
			return true
		}
		if x, ok := link.(interface{ Is(error) bool }); ok {
			return x.Is(target)
		}
		return false
	}}
}

// equalLink compares two errors with ==. A comparable struct type may still
// hold an uncomparable value in an interface field; that panics, and such
// links are treated as different.
func equalLink(link, target error) (equal bool) {
	if reflect.TypeOf(link) != reflect.TypeOf(target) {
		return false
	}
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return link == target
}

// Registry is an immutable set of retryable kinds.
type Registry struct {
	kinds []Kind
}

// IsRetryable reports whether any link of err's chain is a registered kind.
// A nil error is never retryable.
func (r *Registry) IsRetryable(err error) bool {
	_, ok := r.Match(err)
	return ok
}

// Match returns the first registered kind found in err's chain.
func (r *Registry) Match(err error) (Kind, bool) {
	var found Kind
	ok := walk(err, func(link error) bool {
		for _, k := range r.kinds {
			if k.match(link) {
				found = k
				return true
			}
		}
		return false
	})
	return found, ok
}

// Names lists the registered kinds in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.kinds))
	for i, k := range r.kinds {
		out[i] = k.Name
	}
	return out
}

// Builder collects kinds before the Registry starts serving.
type Builder struct {
	kinds []Kind
	names map[string]struct{}
}

func NewBuilder() *Builder {
	return &Builder{names: make(map[string]struct{})}
}

// Register adds kinds. A name already registered is ignored.
func (b *Builder) Register(kinds ...Kind) *Builder {
	for _, k := range kinds {
		if _, dup := b.names[k.Name]; dup || k.match == nil {
			continue
		}
		b.names[k.Name] = struct{}{}
		b.kinds = append(b.kinds, k)
	}
	return b
}

// Build returns a Registry detached from the builder.
func (b *Builder) Build() *Registry {
	kinds := make([]Kind, len(b.kinds))
	copy(kinds, b.kinds)
	return &Registry{kinds: kinds}
}

// Cause extracts the failure raised by the listener from the wrapper the
// consumer delivers. Without a known wrapper it unwraps one level.
func Cause(failure error) error {
	var le *kafka.ListenerError
	if errors.As(failure, &le) {
		return le.Err
	}
	return errors.Unwrap(failure)
}

// walk visits err and its causes depth-first, outermost first, following
// both Unwrap() error and Unwrap() []error, until the chain is exhausted.
// Each identifiable link is visited once, so a cyclic chain terminates.
func walk(err error, visit func(link error) bool) bool {
	seen := make(map[linkID]struct{})
	stack := []error{err}
	for len(stack) > 0 {
		link := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if link == nil {
			continue
		}
		if !firstVisit(seen, link) {
			continue
		}
		if visit(link) {
			return true
		}
		switch u := link.(type) {
		case interface{ Unwrap() error }:
			stack = append(stack, u.Unwrap())
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			for i := len(errs) - 1; i >= 0; i-- {
				stack = append(stack, errs[i])
			}
		}
	}
	return false
}

// linkID identifies a visited link: reference kinds by type and address,
// comparable values by the value itself.
type linkID struct {
	typ   reflect.Type
	ptr   uintptr
	value any
}

// firstVisit records link in seen and reports whether it was new. Links
// that cannot be identified (uncomparable values) always count as new.
func firstVisit(seen map[linkID]struct{}, link error) (first bool) {
	v := reflect.ValueOf(link)
	id := linkID{typ: v.Type()}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		if v.IsNil() {
			return true
		}
		id.ptr = v.Pointer()
	default:
		if !v.Type().Comparable() {
			return true
		}
		id.value = link
	}
	// comparable struct с несравнимым значением в interface-поле паникует при хешировании
	defer func() {
		if recover() != nil {
			first = true
		}
	}()
	if _, dup := seen[id]; dup {
		return false
	}
	seen[id] = struct{}{}
	return true
}
