package protocol

import (
	"fmt"

	"github.com/energizer-project/shardgate/internal/wire"
)

// GameLoginRequest is the first packet on a shard connection. AuthKey must
// match the key handed out in ServerRedirect.
type GameLoginRequest struct {
	AuthKey  uint32
	Username string
	Password string
}

func (*GameLoginRequest) Opcode() byte { return OpGameLogin }
func (*GameLoginRequest) Length() int  { return 65 }

func (p *GameLoginRequest) Decode(frame []byte) bool {
	if !checkFrame(frame, OpGameLogin, 65) {
		return false
	}
	r := wire.NewReader(frame[1:])
	var v GameLoginRequest
	v.AuthKey, _ = r.ReadUint32BE()
	v.Username, _ = r.ReadFixedASCII(30)
	v.Password, _ = r.ReadFixedASCII(30)
	if v.Username == "" {
		return false
	}
	*p = v
	return true
}

func (p *GameLoginRequest) Encode() []byte {
	w := wire.NewWriter(65)
	w.WriteUint8(OpGameLogin)
	w.WriteUint32(wire.BigEndian, p.AuthKey)
	w.WriteFixedASCII(p.Username, 30)
	w.WriteFixedASCII(p.Password, 30)
	return w.Bytes()
}

// CharacterSlot is one entry of a CharacterList. Empty slots have no name.
type CharacterSlot struct {
	Name     string
	Password string
}

const characterSlotSize = 30 + 30

// MaxCharacterSlots is the most slots a CharacterList may carry.
const MaxCharacterSlots = 7

// CharacterList lists the characters of an account after game login.
type CharacterList struct {
	Slots []CharacterSlot
	Flags uint32
}

func (*CharacterList) Opcode() byte { return OpCharacterList }
func (*CharacterList) Length() int  { return Variable }

func (p *CharacterList) Decode(frame []byte) bool {
	if !checkFrame(frame, OpCharacterList, Variable) {
		return false
	}
	r := wire.NewReader(frame[3:])
	count, ok := r.ReadUint8()
	if !ok || count > MaxCharacterSlots || r.Remaining() != int(count)*characterSlotSize+4 {
		return false
	}
	var v CharacterList
	v.Slots = make([]CharacterSlot, count)
	for i := range v.Slots {
		v.Slots[i].Name, _ = r.ReadFixedASCII(30)
		v.Slots[i].Password, _ = r.ReadFixedASCII(30)
	}
	v.Flags, _ = r.ReadUint32BE()
	*p = v
	return true
}

func (p *CharacterList) Encode() []byte {
	slots := p.Slots
	if len(slots) > MaxCharacterSlots {
		slots = slots[:MaxCharacterSlots]
	}
	w := wire.NewWriter(8 + len(slots)*characterSlotSize)
	w.MarkFrameStart()
	w.WriteUint8(OpCharacterList)
	w.WriteUint16(wire.BigEndian, 0)
	w.WriteUint8(uint8(len(slots)))
	for _, s := range slots {
		w.WriteFixedASCII(s.Name, 30)
		w.WriteFixedASCII(s.Password, 30)
	}
	w.WriteUint32(wire.BigEndian, p.Flags)
	w.WritePacketLength()
	return w.Bytes()
}

// PlayCharacterPattern is the fixed marker that opens every PlayCharacter.
const PlayCharacterPattern uint32 = 0xEDEDEDED

// PlayCharacter enters the world with the character in Slot.
type PlayCharacter struct {
	Name    string
	Flags   uint32
	Slot    uint32
	Address uint32
}

func (*PlayCharacter) Opcode() byte { return OpPlayCharacter }
func (*PlayCharacter) Length() int  { return 73 }

func (p *PlayCharacter) Decode(frame []byte) bool {
	if !checkFrame(frame, OpPlayCharacter, 73) {
		return false
	}
	r := wire.NewReader(frame[1:])
	if pattern, _ := r.ReadUint32BE(); pattern != PlayCharacterPattern {
		return false
	}
	var v PlayCharacter
	v.Name, _ = r.ReadFixedASCII(30)
	r.Skip(2)
	v.Flags, _ = r.ReadUint32BE()
	r.Skip(24)
	v.Slot, _ = r.ReadUint32BE()
	v.Address, _ = r.ReadUint32LE()
	*p = v
	return true
}

func (p *PlayCharacter) Encode() []byte {
	w := wire.NewWriter(73)
	w.WriteUint8(OpPlayCharacter)
	w.WriteUint32(wire.BigEndian, PlayCharacterPattern)
	w.WriteFixedASCII(p.Name, 30)
	w.Fill(2)
	w.WriteUint32(wire.BigEndian, p.Flags)
	w.Fill(24)
	w.WriteUint32(wire.BigEndian, p.Slot)
	w.WriteUint32(wire.LittleEndian, p.Address)
	return w.Bytes()
}

// Ping is echoed back unchanged.
type Ping struct {
	Sequence uint8
}

func (*Ping) Opcode() byte { return OpPing }
func (*Ping) Length() int  { return 2 }

func (p *Ping) Decode(frame []byte) bool {
	if !checkFrame(frame, OpPing, 2) {
		return false
	}
	p.Sequence = frame[1]
	return true
}

func (p *Ping) Encode() []byte {
	return []byte{OpPing, p.Sequence}
}

// MaxSpeechUnits is the most UTF-16 units a speech frame can carry: the
// frame minus its 14 header bytes, two bytes per unit.
const MaxSpeechUnits = (MaxFrameSize - 14) / 2

// MaxVersionReport is the longest version string that fits one frame with
// its terminator.
const MaxVersionReport = MaxFrameSize - 4

// UnicodeSpeechRequest is chat typed by the player.
type UnicodeSpeechRequest struct {
	Type     uint8
	Hue      uint16
	Font     uint16
	Language string
	Text     string
}

func (*UnicodeSpeechRequest) Opcode() byte { return OpUnicodeSpeech }
func (*UnicodeSpeechRequest) Length() int  { return Variable }

func (p *UnicodeSpeechRequest) Decode(frame []byte) bool {
	if !checkFrame(frame, OpUnicodeSpeech, Variable) {
		return false
	}
	r := wire.NewReader(frame[3:])
	var v UnicodeSpeechRequest
	var ok bool
	if v.Type, ok = r.ReadUint8(); !ok {
		return false
	}
	if v.Hue, ok = r.ReadUint16BE(); !ok {
		return false
	}
	if v.Font, ok = r.ReadUint16BE(); !ok {
		return false
	}
	if v.Language, ok = r.ReadFixedASCII(4); !ok {
		return false
	}
	if v.Text, ok = r.ReadUnicode(); !ok || r.Remaining() != 0 {
		return false
	}
	*p = v
	return true
}

func (p *UnicodeSpeechRequest) Encode() []byte {
	w := wire.NewWriter(14 + min(len(p.Text), MaxSpeechUnits)*2)
	w.MarkFrameStart()
	w.WriteUint8(OpUnicodeSpeech)
	w.WriteUint16(wire.BigEndian, 0)
	w.WriteUint8(p.Type)
	w.WriteUint16(wire.BigEndian, p.Hue)
	w.WriteUint16(wire.BigEndian, p.Font)
	w.WriteFixedASCII(p.Language, 4)
	w.WriteUnicodeLimit(p.Text, MaxSpeechUnits)
	w.WritePacketLength()
	return w.Bytes()
}

// ClientVersionReport is the version string a client reports on request.
type ClientVersionReport struct {
	Version string
}

func (*ClientVersionReport) Opcode() byte { return OpClientVersionReport }
func (*ClientVersionReport) Length() int  { return Variable }

func (p *ClientVersionReport) Decode(frame []byte) bool {
	if !checkFrame(frame, OpClientVersionReport, Variable) {
		return false
	}
	r := wire.NewReader(frame[3:])
	s, ok := r.ReadNullASCII()
	if !ok || r.Remaining() != 0 {
		return false
	}
	p.Version = s
	return true
}

func (p *ClientVersionReport) Encode() []byte {
	version := p.Version
	if len(version) > MaxVersionReport {
		version = version[:MaxVersionReport]
	}
	w := wire.NewWriter(4 + len(version))
	w.MarkFrameStart()
	w.WriteUint8(OpClientVersionReport)
	w.WriteUint16(wire.BigEndian, 0)
	w.WriteNullASCII(version)
	w.WritePacketLength()
	return w.Bytes()
}

// Names maps the catalogued opcodes to display names.
var Names = map[byte]string{
	OpLoginSeed:           "LoginSeed",
	OpAccountLogin:        "AccountLoginRequest",
	OpAccountLoginReject:  "AccountLoginRejected",
	OpServerList:          "ServerList",
	OpSelectServer:        "SelectServer",
	OpServerRedirect:      "ServerRedirect",
	OpGameLogin:           "GameLoginRequest",
	OpCharacterList:       "CharacterList",
	OpPlayCharacter:       "PlayCharacter",
	OpPing:                "Ping",
	OpUnicodeSpeech:       "UnicodeSpeechRequest",
	OpClientVersionReport: "ClientVersionReport",
}

// Name returns the display name of op, or its hex form when uncatalogued.
func Name(op byte) string {
	if n, ok := Names[op]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", op)
}
