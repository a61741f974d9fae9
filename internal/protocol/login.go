package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/energizer-project/shardgate/internal/wire"
)

// LoginSeed opens an encrypted session: the client's key seed followed by
// the version it claims to be.
type LoginSeed struct {
	Seed    uint32
	Version ClientVersion
}

func (*LoginSeed) Opcode() byte { return OpLoginSeed }
func (*LoginSeed) Length() int  { return 21 }

func (p *LoginSeed) Decode(frame []byte) bool {
	if !checkFrame(frame, OpLoginSeed, 21) {
		return false
	}
	r := wire.NewReader(frame[1:])
	var v LoginSeed
	v.Seed, _ = r.ReadUint32BE()
	v.Version.Major, _ = r.ReadUint32BE()
	v.Version.Minor, _ = r.ReadUint32BE()
	v.Version.Revision, _ = r.ReadUint32BE()
	v.Version.Patch, _ = r.ReadUint32BE()
	*p = v
	return true
}

func (p *LoginSeed) Encode() []byte {
	w := wire.NewWriter(21)
	w.WriteUint8(OpLoginSeed)
	w.WriteUint32(wire.BigEndian, p.Seed)
	w.WriteUint32(wire.BigEndian, p.Version.Major)
	w.WriteUint32(wire.BigEndian, p.Version.Minor)
	w.WriteUint32(wire.BigEndian, p.Version.Revision)
	w.WriteUint32(wire.BigEndian, p.Version.Patch)
	return w.Bytes()
}

// AccountLoginRequest carries the account credentials to the login server.
type AccountLoginRequest struct {
	Username string
	Password string
	NextKey  uint8
}

func (*AccountLoginRequest) Opcode() byte { return OpAccountLogin }
func (*AccountLoginRequest) Length() int  { return 62 }

func (p *AccountLoginRequest) Decode(frame []byte) bool {
	if !checkFrame(frame, OpAccountLogin, 62) {
		return false
	}
	r := wire.NewReader(frame[1:])
	var v AccountLoginRequest
	v.Username, _ = r.ReadFixedASCII(30)
	v.Password, _ = r.ReadFixedASCII(30)
	v.NextKey, _ = r.ReadUint8()
	if v.Username == "" {
		return false
	}
	*p = v
	return true
}

func (p *AccountLoginRequest) Encode() []byte {
	w := wire.NewWriter(62)
	w.WriteUint8(OpAccountLogin)
	w.WriteFixedASCII(p.Username, 30)
	w.WriteFixedASCII(p.Password, 30)
	w.WriteUint8(p.NextKey)
	return w.Bytes()
}

// AccountLoginRejected tells the client why its login failed.
type AccountLoginRejected struct {
	Reason byte
}

func (*AccountLoginRejected) Opcode() byte { return OpAccountLoginReject }
func (*AccountLoginRejected) Length() int  { return 2 }

func (p *AccountLoginRejected) Decode(frame []byte) bool {
	if !checkFrame(frame, OpAccountLoginReject, 2) {
		return false
	}
	p.Reason = frame[1]
	return true
}

func (p *AccountLoginRejected) Encode() []byte {
	return []byte{OpAccountLoginReject, p.Reason}
}

// ServerEntry is one shard advertised in a ServerList.
type ServerEntry struct {
	Index    uint16
	Name     string
	Percent  uint8
	Timezone int8
	Address  uint32
}

const serverEntrySize = 2 + 32 + 1 + 1 + 4

// MaxServerEntries is the most shards one ServerList frame can list.
const MaxServerEntries = (MaxFrameSize - 6) / serverEntrySize

// ServerList advertises the shards a logged-in account may pick from.
type ServerList struct {
	Flags   uint8
	Servers []ServerEntry
}

func (*ServerList) Opcode() byte { return OpServerList }
func (*ServerList) Length() int  { return Variable }

func (p *ServerList) Decode(frame []byte) bool {
	if !checkFrame(frame, OpServerList, Variable) {
		return false
	}
	r := wire.NewReader(frame[3:])
	var v ServerList
	var ok bool
	if v.Flags, ok = r.ReadUint8(); !ok {
		return false
	}
	count, ok := r.ReadUint16BE()
	if !ok || r.Remaining() != int(count)*serverEntrySize {
		return false
	}
	v.Servers = make([]ServerEntry, count)
	for i := range v.Servers {
		e := &v.Servers[i]
		e.Index, _ = r.ReadUint16BE()
		e.Name, _ = r.ReadFixedASCII(32)
		e.Percent, _ = r.ReadUint8()
		e.Timezone, _ = r.ReadInt8()
		e.Address, _ = r.ReadUint32LE()
	}
	*p = v
	return true
}

func (p *ServerList) Encode() []byte {
	servers := p.Servers
	if len(servers) > MaxServerEntries {
		servers = servers[:MaxServerEntries]
	}
	w := wire.NewWriter(6 + len(servers)*serverEntrySize)
	w.MarkFrameStart()
	w.WriteUint8(OpServerList)
	w.WriteUint16(wire.BigEndian, 0)
	w.WriteUint8(p.Flags)
	w.WriteUint16(wire.BigEndian, uint16(len(servers)))
	for _, e := range servers {
		w.WriteUint16(wire.BigEndian, e.Index)
		w.WriteFixedASCII(e.Name, 32)
		w.WriteUint8(e.Percent)
		w.WriteInt8(e.Timezone)
		w.WriteUint32(wire.LittleEndian, e.Address)
	}
	w.WritePacketLength()
	return w.Bytes()
}

// SelectServer picks a shard by its ServerList index.
type SelectServer struct {
	Index uint16
}

func (*SelectServer) Opcode() byte { return OpSelectServer }
func (*SelectServer) Length() int  { return 3 }

func (p *SelectServer) Decode(frame []byte) bool {
	if !checkFrame(frame, OpSelectServer, 3) {
		return false
	}
	p.Index = binary.BigEndian.Uint16(frame[1:3])
	return true
}

func (p *SelectServer) Encode() []byte {
	w := wire.NewWriter(3)
	w.WriteUint8(OpSelectServer)
	w.WriteUint16(wire.BigEndian, p.Index)
	return w.Bytes()
}

// ServerRedirect points the client at the chosen shard and hands it the key
// it must present there.
type ServerRedirect struct {
	Address uint32
	Port    uint16
	AuthKey uint32
}

func (*ServerRedirect) Opcode() byte { return OpServerRedirect }
func (*ServerRedirect) Length() int  { return 11 }

func (p *ServerRedirect) Decode(frame []byte) bool {
	if !checkFrame(frame, OpServerRedirect, 11) {
		return false
	}
	r := wire.NewReader(frame[1:])
	var v ServerRedirect
	v.Address, _ = r.ReadUint32LE()
	v.Port, _ = r.ReadUint16BE()
	v.AuthKey, _ = r.ReadUint32BE()
	*p = v
	return true
}

func (p *ServerRedirect) Encode() []byte {
	w := wire.NewWriter(11)
	w.WriteUint8(OpServerRedirect)
	w.WriteUint32(wire.LittleEndian, p.Address)
	w.WriteUint16(wire.BigEndian, p.Port)
	w.WriteUint32(wire.BigEndian, p.AuthKey)
	return w.Bytes()
}

// IPv4ToUint32 packs an IPv4 address for the little-endian address fields.
// Non-IPv4 addresses pack to zero.
func IPv4ToUint32(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
