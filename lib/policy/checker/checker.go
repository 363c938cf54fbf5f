// Package checker defines the Checker interface and a helper utility to avoid import cycles.
package checker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/uvensys/bastet/internal"
)

type Impl interface {
	Check(*http.Request) (bool, error)
	Hash() string
}

// List matches when any of its checkers match.
type List []Impl

func (l List) Check(r *http.Request) (bool, error) {
	for _, c := range l {
		ok, err := c.Check(r)
		if err != nil {
			return ok, err
		}
		if ok {
			return ok, nil
		}
	}

	return false, nil
}

func (l List) Hash() string {
	var sb strings.Builder

	for _, c := range l {
		fmt.Fprintln(&sb, c.Hash())
	}

	return internal.FastHash(sb.String())
}

// All matches when every one of its checkers match. An empty All never
// matches.
type All []Impl

func (a All) Check(r *http.Request) (bool, error) {
	if len(a) == 0 {
		return false, nil
	}

	for _, c := range a {
		ok, err := c.Check(r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func (a All) Hash() string {
	var sb strings.Builder

	fmt.Fprintln(&sb, "all")
	for _, c := range a {
		fmt.Fprintln(&sb, c.Hash())
	}

	return internal.FastHash(sb.String())
}
