// Package ident generates the identifiers used for users and messages:
// a millisecond timestamp followed by a short random base36 suffix.
package ident

import (
	"strconv"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	alphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength = 9
)

var suffix func() string

func init() {
	gen, err := nanoid.CustomASCII(alphabet, suffixLength)
	if err != nil {
		panic(err)
	}
	suffix = gen
}

// New returns an identifier for something created at t.
func New(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + suffix()
}

// Now truncates the current time to the precision stored by every backend.
func Now() time.Time {
	return Truncate(time.Now())
}

// Truncate converts t to UTC with millisecond precision.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
