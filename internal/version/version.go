// Package version holds the protocol version table and the negotiation rules
// that pair a wire protocol number with a semantic game version.
package version

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedVersion is returned for wire versions absent from the table.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrVersionMismatch is returned when the offered wire version maps to a
	// semantic version other than the requested one.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// table maps wire protocol numbers to semantic game versions.
var table = map[int]string{
	786: "1.21.71",
	776: "1.21.60",
	766: "1.21.50",
	748: "1.21.42",
	729: "1.21.30",
	712: "1.21.20",
	686: "1.21.2",
	685: "1.21.0",
	671: "1.20.80",
	662: "1.20.71",
	649: "1.20.61",
	630: "1.20.50",
	622: "1.20.40",
	618: "1.20.30",
	594: "1.20.15",
	589: "1.20.0",
	582: "1.19.80",
	575: "1.19.70",
	568: "1.19.63",
	567: "1.19.60",
	560: "1.19.50",
	557: "1.19.40",
	554: "1.19.30",
	545: "1.19.21",
	544: "1.19.20",
	534: "1.19.10",
	527: "1.19.1",
	503: "1.18.30",
	486: "1.18.11",
	475: "1.18.0",
	471: "1.17.40",
	465: "1.17.30",
	448: "1.17.10",
	440: "1.17.0",
	431: "1.16.220",
	428: "1.16.210",
	422: "1.16.201",
	100: "1.0.0",
	82:  "0.15.6",
	70:  "0.14.3",
}

var (
	reverse   map[string]int
	protocols []int
)

func init() {
	reverse = make(map[string]int, len(table))
	for p, v := range table {
		if other, dup := reverse[v]; dup {
			panic(fmt.Sprintf("version %s mapped by both %d and %d", v, other, p))
		}
		reverse[v] = p
		protocols = append(protocols, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(protocols)))
}

// Lookup returns the semantic version for a wire protocol number.
func Lookup(protocol int) (string, bool) {
	v, ok := table[protocol]
	return v, ok
}

// ProtocolFor returns the wire protocol number for a semantic version.
func ProtocolFor(v string) (int, bool) {
	p, ok := reverse[v]
	return p, ok
}

// Latest returns the newest supported protocol and its version.
func Latest() (int, string) {
	p := protocols[0]
	return p, table[p]
}

// Protocols returns all supported wire numbers, newest first.
func Protocols() []int {
	out := make([]int, len(protocols))
	copy(out, protocols)
	return out
}

// Negotiate resolves the peer's offered wire version against an optionally
// requested semantic version. An empty requested version accepts any wire
// version present in the table.
func Negotiate(offered int, requested string) (string, error) {
	v, ok := table[offered]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedVersion, offered)
	}
	if requested != "" && requested != v {
		return "", fmt.Errorf("%w: peer offered %d (%s), requested %s", ErrVersionMismatch, offered, v, requested)
	}
	return v, nil
}

// Semver is a parsed major.minor.patch game version.
type Semver struct {
	Major int
	Minor int
	Patch int
}

// Parse reads a dotted version; missing components default to zero.
func Parse(s string) (Semver, error) {
	var sv Semver
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return sv, fmt.Errorf("invalid version %q", s)
	}
	fields := []*int{&sv.Major, &sv.Minor, &sv.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid version %q", s)
		}
		*fields[i] = n
	}
	return sv, nil
}

// Compare orders two semantic versions numerically, component by component.
func (a Semver) Compare(b Semver) int {
	switch {
	case a.Major != b.Major:
		return cmpInt(a.Major, b.Major)
	case a.Minor != b.Minor:
		return cmpInt(a.Minor, b.Minor)
	default:
		return cmpInt(a.Patch, b.Patch)
	}
}

func (a Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Major, a.Minor, a.Patch)
}

// Compare parses and compares two version strings. Unparseable input sorts
// before any valid version.
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
