package dns

import (
	"encoding/binary"
	"fmt"
)

// Header represents a DNS message header (RFC 1035 Section 4.1.1).
//
// The header is always 12 bytes and contains:
//   - ID: 16-bit identifier for matching requests to responses
//   - Flags: 16-bit field containing QR, Opcode, AA, TC, RD, RA, Z, RCODE
//   - QDCount: Number of questions
//   - ANCount: Number of answer resource records
//   - NSCount: Number of authority resource records
//   - ARCount: Number of additional resource records
type Header struct {
	ID      uint16 // Transaction ID
	Flags   uint16 // See enums.go for flag definitions
	QDCount uint16 // Question count
	ANCount uint16 // Answer count
	NSCount uint16 // Authority (nameserver) count
	ARCount uint16 // Additional records count
}

// HeaderSize is the fixed size of a DNS header in bytes.
const HeaderSize = 12

// Opcode returns the 4-bit operation code (bits 14-11 of Flags).
func (h Header) Opcode() int { return int(h.Flags&OpcodeMask) >> 11 }

// SetOpcode packs op (0-15) into the Opcode bits, leaving the rest of Flags untouched.
func (h *Header) SetOpcode(op int) {
	h.Flags = (h.Flags &^ OpcodeMask) | (uint16(op)<<11)&OpcodeMask
}

// QR reports whether this header belongs to a response (true) or a query (false).
func (h Header) QR() bool { return h.Flags&QRFlag != 0 }

// SetQR sets or clears the QR bit.
func (h *Header) SetQR(v bool) { h.setFlag(QRFlag, v) }

// AA reports the Authoritative Answer bit.
func (h Header) AA() bool { return h.Flags&AAFlag != 0 }

// SetAA sets or clears the Authoritative Answer bit.
func (h *Header) SetAA(v bool) { h.setFlag(AAFlag, v) }

// TC reports the Truncation bit.
func (h Header) TC() bool { return h.Flags&TCFlag != 0 }

// SetTC sets or clears the Truncation bit.
func (h *Header) SetTC(v bool) { h.setFlag(TCFlag, v) }

// RD reports the Recursion Desired bit.
func (h Header) RD() bool { return h.Flags&RDFlag != 0 }

// SetRD sets or clears the Recursion Desired bit.
func (h *Header) SetRD(v bool) { h.setFlag(RDFlag, v) }

// RA reports the Recursion Available bit.
func (h Header) RA() bool { return h.Flags&RAFlag != 0 }

// SetRA sets or clears the Recursion Available bit.
func (h *Header) SetRA(v bool) { h.setFlag(RAFlag, v) }

// AD reports the Authenticated Data bit.
func (h Header) AD() bool { return h.Flags&ADFlag != 0 }

// SetAD sets or clears the Authenticated Data bit.
func (h *Header) SetAD(v bool) { h.setFlag(ADFlag, v) }

// CD reports the Checking Disabled bit.
func (h Header) CD() bool { return h.Flags&CDFlag != 0 }

// SetCD sets or clears the Checking Disabled bit.
func (h *Header) SetCD(v bool) { h.setFlag(CDFlag, v) }

// RCode returns the low 4-bit response code carried in Flags. It does not
// incorporate the extended RCODE bits carried in an OPT record; callers that
// need the full 12-bit code should combine this with OPTRecord.ExtendedRCode.
func (h Header) RCode() RCode { return RCodeFromFlags(h.Flags) }

// SetRCode packs the low 4 bits of rc into the RCODE bits of Flags.
func (h *Header) SetRCode(rc RCode) {
	h.Flags = (h.Flags &^ RCodeMask) | (uint16(rc) & RCodeMask)
}

func (h *Header) setFlag(mask uint16, v bool) {
	if v {
		h.Flags |= mask
	} else {
		h.Flags &^= mask
	}
}

// FullRCode combines the header's low 4-bit RCODE with the 8 extended bits
// carried in an EDNS0 OPT record's TTL field, per RFC 6891 Section 6.1.3.
// Pass a nil opt when the message carries no OPT record.
func FullRCode(h Header, opt *OPTRecord) RCode {
	base := uint16(h.RCode())
	if opt == nil {
		return RCode(base)
	}
	return RCode(uint16(opt.ExtendedRCode)<<4 | base)
}

// Marshal serializes the header to wire format (big-endian, 12 bytes).
func (h Header) Marshal() ([]byte, error) {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.ID)
	binary.BigEndian.PutUint16(b[2:4], h.Flags)
	binary.BigEndian.PutUint16(b[4:6], h.QDCount)
	binary.BigEndian.PutUint16(b[6:8], h.ANCount)
	binary.BigEndian.PutUint16(b[8:10], h.NSCount)
	binary.BigEndian.PutUint16(b[10:12], h.ARCount)
	return b, nil
}

// ParseHeader parses a DNS header from the message at the given offset.
// It advances *off by 12 bytes (the header size) on success.
func ParseHeader(msg []byte, off *int) (Header, error) {
	if *off+HeaderSize > len(msg) {
		return Header{}, fmt.Errorf("%w: unexpected EOF while reading DNS header", ErrDNSError)
	}
	h := Header{
		ID:      binary.BigEndian.Uint16(msg[*off : *off+2]),
		Flags:   binary.BigEndian.Uint16(msg[*off+2 : *off+4]),
		QDCount: binary.BigEndian.Uint16(msg[*off+4 : *off+6]),
		ANCount: binary.BigEndian.Uint16(msg[*off+6 : *off+8]),
		NSCount: binary.BigEndian.Uint16(msg[*off+8 : *off+10]),
		ARCount: binary.BigEndian.Uint16(msg[*off+10 : *off+12]),
	}
	*off += HeaderSize
	return h, nil
}
