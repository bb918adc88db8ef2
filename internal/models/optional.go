package models

import "strings"

// Opt is a string that may be absent. Blank carrier values are treated as absent.
type Opt struct {
	value string
	set   bool
}

func Some(s string) Opt {
	s = strings.TrimSpace(s)
	if s == "" {
		return Opt{}
	}
	return Opt{value: s, set: true}
}

func None() Opt { return Opt{} }

func (o Opt) IsSet() bool { return o.set }

func (o Opt) Value() string { return o.value }

// Or returns the value or def when unset.
func (o Opt) Or(def string) string {
	if o.set {
		return o.value
	}
	return def
}
