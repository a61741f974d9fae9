package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a session.
type State int32

const (
	Connecting State = iota
	Connected
	Authenticated
	InGame
	Disconnected
	Error
)

var stateNames = map[State]string{
	Connecting:    "connecting",
	Connected:     "connected",
	Authenticated: "authenticated",
	InGame:        "in_game",
	Disconnected:  "disconnected",
	Error:         "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalJSON serializes the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Disconnected || s == Error
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// canTransition encodes the lifecycle: forward one step at a time, and from
// any live state to Disconnected or Error. Both of those are final, so a
// Disconnect after Fail leaves the session in Error; callers treat either
// terminal state as gone.
func canTransition(from, to State) bool {
	switch to {
	case Connected:
		return from == Connecting
	case Authenticated:
		return from == Connected
	case InGame:
		return from == Authenticated
	case Disconnected, Error:
		return !from.Terminal()
	}
	return false
}

// Features is the bitset of negotiated transforms.
type Features uint8

const (
	FeatureEncryption Features = 1 << iota
	FeatureCompression
)

// None is the empty feature set.
const None Features = 0

// Has reports whether every bit of f is set.
func (fs Features) Has(f Features) bool {
	return fs&f == f
}

// List returns the names of the set features.
func (fs Features) List() []string {
	out := []string{}
	if fs.Has(FeatureEncryption) {
		out = append(out, "encryption")
	}
	if fs.Has(FeatureCompression) {
		out = append(out, "compression")
	}
	return out
}

func (fs Features) String() string {
	if fs == None {
		return "none"
	}
	return strings.Join(fs.List(), "+")
}

// ParseFeatures parses a list of feature names as produced by List.
func ParseFeatures(names []string) (Features, error) {
	var fs Features
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "encryption":
			fs |= FeatureEncryption
		case "compression":
			fs |= FeatureCompression
		case "", "none":
		default:
			return None, fmt.Errorf("unknown feature %q", n)
		}
	}
	return fs, nil
}

// MarshalJSON serializes the set as a list of names.
func (fs Features) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.List())
}

// UnmarshalJSON accepts a list of names.
func (fs *Features) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseFeatures(names)
	if err != nil {
		return err
	}
	*fs = parsed
	return nil
}
