package gitlab

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidVersion = errors.New("invalid version string")

	// ErrInvalidVersion is returned when the server version cannot be parsed.
	ErrInvalidVersion = errInvalidVersion
)

// Version is a server release tuple plus an optional edition tag, as in "16.4.1-ee".
type Version struct {
	Release []int
	Edition string
}

// ParseVersion parses "<major>.<minor>.<patch>[-<edition>]".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	releasePart, edition, _ := strings.Cut(s, "-")
	if releasePart == "" {
		return Version{}, fmt.Errorf("%w: %q", errInvalidVersion, s)
	}

	fields := strings.Split(releasePart, ".")
	release := make([]int, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", errInvalidVersion, s)
		}
		release = append(release, n)
	}

	return Version{Release: release, Edition: edition}, nil
}

// IsEE reports whether the server runs the enterprise edition.
func (v Version) IsEE() bool {
	return v.Edition == "ee"
}

// AtLeast compares the release tuple with the given components; missing
// components count as zero.
func (v Version) AtLeast(release ...int) bool {
	n := max(len(v.Release), len(release))
	for i := range n {
		have, want := component(v.Release, i), component(release, i)
		if have != want {
			return have > want
		}
	}
	return true
}

func component(release []int, i int) int {
	if i < len(release) {
		return release[i]
	}
	return 0
}

func (v Version) String() string {
	parts := make([]string, len(v.Release))
	for i, n := range v.Release {
		parts[i] = strconv.Itoa(n)
	}
	if v.Edition == "" {
		return strings.Join(parts, ".")
	}
	return strings.Join(parts, ".") + "-" + v.Edition
}
