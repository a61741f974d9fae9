package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientVersion is the version quadruplet a client declares during the
// handshake. It keys the cipher and the feature policy.
type ClientVersion struct {
	Major    uint32 `json:"major"`
	Minor    uint32 `json:"minor"`
	Revision uint32 `json:"revision"`
	Patch    uint32 `json:"patch"`
}

// Compare returns -1, 0 or 1 ordering v against o component by component.
func (v ClientVersion) Compare(o ClientVersion) int {
	for _, p := range [4][2]uint32{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Revision, o.Revision},
		{v.Patch, o.Patch},
	} {
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
	}
	return 0
}

func (v ClientVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Revision, v.Patch)
}

// ParseClientVersion parses "major.minor.revision.patch". Missing trailing
// components are zero.
func ParseClientVersion(s string) (ClientVersion, error) {
	var v ClientVersion
	s = strings.TrimSpace(s)
	if s == "" {
		return v, fmt.Errorf("empty client version")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return v, fmt.Errorf("client version %q has %d components (max 4)", s, len(parts))
	}

	fields := []*uint32{&v.Major, &v.Minor, &v.Revision, &v.Patch}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ClientVersion{}, fmt.Errorf("invalid client version %q: %w", s, err)
		}
		*fields[i] = uint32(n)
	}
	return v, nil
}
