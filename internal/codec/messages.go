package codec

import (
	"golang.org/x/crypto/cryptobyte"
)

// Type is the discriminant of a message.
type Type uint32

// Discriminants shared by both directions.
const (
	TypeJoinRequest      Type = 1
	TypeWelcome          Type = 2
	TypeCommit           Type = 3
	TypeEncryptedMessage Type = 4
)

// Discriminants only sent by the security process.
const (
	TypeWatchDevices   Type = 5
	TypeUnwatchDevices Type = 6
	TypeWatchChannel   Type = 7
	TypeUnwatchChannel Type = 8
	TypeDeviceInfo     Type = 9
)

// Direction is the way a message travels between the processes.
type Direction int

const (
	// NetworkToSecurity messages are written by the network process.
	NetworkToSecurity Direction = iota
	// SecurityToNetwork messages are read by the network process.
	SecurityToNetwork
)

func (d Direction) String() string {
	if d == NetworkToSecurity {
		return "network-to-security"
	}
	return "security-to-network"
}

// Message is one typed message.
type Message interface {
	Type() Type
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) bool
}

// JoinRequest carries a key package.
type JoinRequest struct {
	Team       uint32
	KeyPackage []byte
}

// Welcome carries an MLS welcome.
type Welcome struct {
	Team    uint32
	Welcome []byte
}

// Commit carries an MLS commit.
type Commit struct {
	Team   uint32
	Commit []byte
}

// EncryptedMessage carries application ciphertext for a channel.
type EncryptedMessage struct {
	Team       uint32
	Channel    uint32
	Ciphertext []byte
}

// WatchDevices asks the network to subscribe to devices of a channel.
type WatchDevices struct {
	Team    uint32
	Channel uint32
	Devices []uint16
}

// UnwatchDevices asks the network to drop device subscriptions.
type UnwatchDevices struct {
	Team    uint32
	Channel uint32
	Devices []uint16
}

// WatchChannel asks the network to subscribe to a whole channel.
type WatchChannel struct {
	Team    uint32
	Channel uint32
}

// UnwatchChannel drops a channel subscription.
type UnwatchChannel struct {
	Team    uint32
	Channel uint32
}

// DeviceInfo tells the network which device it is within a team.
type DeviceInfo struct {
	Team   uint32
	Device uint16
}

func (*JoinRequest) Type() Type      { return TypeJoinRequest }
func (*Welcome) Type() Type          { return TypeWelcome }
func (*Commit) Type() Type           { return TypeCommit }
func (*EncryptedMessage) Type() Type { return TypeEncryptedMessage }
func (*WatchDevices) Type() Type     { return TypeWatchDevices }
func (*UnwatchDevices) Type() Type   { return TypeUnwatchDevices }
func (*WatchChannel) Type() Type     { return TypeWatchChannel }
func (*UnwatchChannel) Type() Type   { return TypeUnwatchChannel }
func (*DeviceInfo) Type() Type       { return TypeDeviceInfo }

func (m *JoinRequest) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	addOpaque32(b, m.KeyPackage)
}

func (m *JoinRequest) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && readOpaque32(s, &m.KeyPackage)
}

func (m *Welcome) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	addOpaque32(b, m.Welcome)
}

func (m *Welcome) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && readOpaque32(s, &m.Welcome)
}

func (m *Commit) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	addOpaque32(b, m.Commit)
}

func (m *Commit) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && readOpaque32(s, &m.Commit)
}

func (m *EncryptedMessage) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint32(m.Channel)
	addOpaque32(b, m.Ciphertext)
}

func (m *EncryptedMessage) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint32(&m.Channel) && readOpaque32(s, &m.Ciphertext)
}

// Device lists are u16 vectors with a u16 byte-length prefix.
func addDevices(b *cryptobyte.Builder, devices []uint16) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, d := range devices {
			b.AddUint16(d)
		}
	})
}

func readDevices(s *cryptobyte.String, out *[]uint16) bool {
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || len(list)%2 != 0 {
		return false
	}
	devices := make([]uint16, 0, len(list)/2)
	for !list.Empty() {
		var d uint16
		if !list.ReadUint16(&d) {
			return false
		}
		devices = append(devices, d)
	}
	*out = devices
	return true
}

func (m *WatchDevices) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint32(m.Channel)
	addDevices(b, m.Devices)
}

func (m *WatchDevices) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint32(&m.Channel) && readDevices(s, &m.Devices)
}

func (m *UnwatchDevices) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint32(m.Channel)
	addDevices(b, m.Devices)
}

func (m *UnwatchDevices) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint32(&m.Channel) && readDevices(s, &m.Devices)
}

func (m *WatchChannel) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint32(m.Channel)
}

func (m *WatchChannel) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint32(&m.Channel)
}

func (m *UnwatchChannel) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint32(m.Channel)
}

func (m *UnwatchChannel) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint32(&m.Channel)
}

func (m *DeviceInfo) marshal(b *cryptobyte.Builder) {
	b.AddUint32(m.Team)
	b.AddUint16(m.Device)
}

func (m *DeviceInfo) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&m.Team) && s.ReadUint16(&m.Device)
}

// Marshal encodes m with its discriminant.
func Marshal(m Message) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(uint32(m.Type()))
	m.marshal(b)
	return b.Bytes()
}

func newMessage(t Type, dir Direction) Message {
	switch t {
	case TypeJoinRequest:
		return new(JoinRequest)
	case TypeWelcome:
		return new(Welcome)
	case TypeCommit:
		return new(Commit)
	case TypeEncryptedMessage:
		return new(EncryptedMessage)
	}
	if dir == NetworkToSecurity {
		return nil
	}
	switch t {
	case TypeWatchDevices:
		return new(WatchDevices)
	case TypeUnwatchDevices:
		return new(UnwatchDevices)
	case TypeWatchChannel:
		return new(WatchChannel)
	case TypeUnwatchChannel:
		return new(UnwatchChannel)
	case TypeDeviceInfo:
		return new(DeviceInfo)
	}
	return nil
}

// Unmarshal decodes one message travelling in dir.
func Unmarshal(data []byte, dir Direction) (Message, error) {
	s := cryptobyte.String(data)
	var t uint32
	if !s.ReadUint32(&t) {
		return nil, ErrTruncated
	}
	m := newMessage(Type(t), dir)
	if m == nil {
		return nil, &UnknownTypeError{Type: Type(t), Direction: dir}
	}
	if !m.unmarshal(&s) {
		return nil, ErrTruncated
	}
	if !s.Empty() {
		return nil, ErrTrailingData
	}
	return m, nil
}
