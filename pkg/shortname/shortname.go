package shortname

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Field widths in bits.
const (
	NamespaceBits = 32
	TeamBits      = 32
	KindBits      = 16
	ChannelBits   = 32
	DeviceBits    = 16
)

const (
	deviceShift  = 0
	channelShift = DeviceBits
	kindShift    = DeviceBits + ChannelBits
	teamShift    = 0
	nsShift      = TeamBits
)

// DefaultNamespace is "qmsg" in ASCII.
const DefaultNamespace uint32 = 0x716d7367

// Mask is the number of low-order bits cleared when computing a group prefix.
type Mask uint8

// Well known masks.
const (
	MaskDevice  Mask = 0
	MaskChannel Mask = DeviceBits
	MaskTeam    Mask = DeviceBits + ChannelBits
	MaskKind    Mask = 64
	MaxMask     Mask = 128
)

// Kind separates the topic spaces that share a team.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindData
	KindKeyPackage
	KindWelcome
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindKeyPackage:
		return "keypackage"
	case KindWelcome:
		return "welcome"
	case KindCommit:
		return "commit"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

var (
	// ErrInvalidMask is returned for masks wider than a name
	ErrInvalidMask = errors.New("mask exceeds name width")
	// ErrInvalidName is returned when a textual name cannot be parsed
	ErrInvalidName = errors.New("invalid short name")
)

// RangeError reports an identifier that does not fit its bit field.
type RangeError struct {
	Field string
	Value uint64
	Bits  uint
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %d exceeds %d-bit field", e.Field, e.Value, e.Bits)
}

func checkWidth(field string, value uint64, bits uint) error {
	if bits < 64 && value>>bits != 0 {
		return &RangeError{Field: field, Value: value, Bits: bits}
	}
	return nil
}

// ShortName is a 128-bit hierarchical topic name. It is comparable and can be
// used directly as a map key.
type ShortName struct {
	Hi uint64
	Lo uint64
}

// Prefix returns the name with the low mask bits cleared.
func (n ShortName) Prefix(m Mask) ShortName {
	switch {
	case m == 0:
		return n
	case m < 64:
		n.Lo &^= (uint64(1) << m) - 1
	case m < 128:
		n.Lo = 0
		n.Hi &^= (uint64(1) << (m - 64)) - 1
	default:
		return ShortName{}
	}
	return n
}

// Compare orders names by Hi then Lo. It returns -1, 0 or +1.
func (n ShortName) Compare(o ShortName) int {
	switch {
	case n.Hi < o.Hi:
		return -1
	case n.Hi > o.Hi:
		return 1
	case n.Lo < o.Lo:
		return -1
	case n.Lo > o.Lo:
		return 1
	}
	return 0
}

// IsZero reports whether n is the zero name.
func (n ShortName) IsZero() bool {
	return n.Hi == 0 && n.Lo == 0
}

// String renders the name as 32 lowercase hex digits.
func (n ShortName) String() string {
	return fmt.Sprintf("%016x%016x", n.Hi, n.Lo)
}

// Parse is the inverse of String. A leading "0x" is accepted.
func Parse(s string) (ShortName, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 32 {
		return ShortName{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ShortName{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	hi, _ := strconv.ParseUint(s[:16], 16, 64)
	lo, _ := strconv.ParseUint(s[16:], 16, 64)
	return ShortName{Hi: hi, Lo: lo}, nil
}

// MarshalText encodes the name as 32 hex digits.
func (n ShortName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (n *ShortName) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ValidateMask rejects masks wider than a name.
func ValidateMask(m Mask) error {
	if m > MaxMask {
		return fmt.Errorf("%w: %d", ErrInvalidMask, m)
	}
	return nil
}

// Fields is the decoded form of a ShortName.
type Fields struct {
	Namespace uint32
	Team      uint32
	Kind      Kind
	Channel   uint32
	Device    uint32
}

// Namer builds names within one namespace.
type Namer struct {
	namespace uint32
}

// NewNamer returns a Namer for the given namespace.
func NewNamer(namespace uint32) Namer {
	return Namer{namespace: namespace}
}

// Namespace returns the namer's namespace.
func (nm Namer) Namespace() uint32 {
	return nm.namespace
}

// Encode packs every field into a name.
func (nm Namer) Encode(f Fields) (ShortName, error) {
	if err := checkWidth("device", uint64(f.Device), DeviceBits); err != nil {
		return ShortName{}, err
	}
	return ShortName{
		Hi: uint64(nm.namespace)<<nsShift | uint64(f.Team)<<teamShift,
		Lo: uint64(f.Kind)<<kindShift | uint64(f.Channel)<<channelShift | uint64(f.Device)<<deviceShift,
	}, nil
}

// DeviceName is the data topic of one device in a channel.
func (nm Namer) DeviceName(team, channel, device uint32) (ShortName, error) {
	return nm.Encode(Fields{Team: team, Kind: KindData, Channel: channel, Device: device})
}

// ChannelGroup returns the prefix covering every device of a channel and the
// mask that produces it.
func (nm Namer) ChannelGroup(team, channel uint32) (ShortName, Mask) {
	n, _ := nm.Encode(Fields{Team: team, Kind: KindData, Channel: channel})
	return n, MaskChannel
}

// TeamGroup returns the prefix covering every data channel of a team.
func (nm Namer) TeamGroup(team uint32) (ShortName, Mask) {
	n, _ := nm.Encode(Fields{Team: team, Kind: KindData})
	return n, MaskTeam
}

// KeyPackageName is the team's key package distribution topic.
func (nm Namer) KeyPackageName(team uint32) ShortName {
	n, _ := nm.Encode(Fields{Team: team, Kind: KindKeyPackage})
	return n
}

// WelcomeName is the team's welcome topic.
func (nm Namer) WelcomeName(team uint32) ShortName {
	n, _ := nm.Encode(Fields{Team: team, Kind: KindWelcome})
	return n
}

// CommitName is the team's commit topic.
func (nm Namer) CommitName(team uint32) ShortName {
	n, _ := nm.Encode(Fields{Team: team, Kind: KindCommit})
	return n
}

// Decode splits a name into its fields. It is used for diagnostics and for
// routing inbound messages by kind.
func Decode(n ShortName) Fields {
	return Fields{
		Namespace: uint32(n.Hi >> nsShift),
		Team:      uint32(n.Hi >> teamShift),
		Kind:      Kind(n.Lo >> kindShift),
		Channel:   uint32(n.Lo >> channelShift),
		Device:    uint32(n.Lo>>deviceShift) & (1<<DeviceBits - 1),
	}
}
