package dns

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/nodeglade/dnscore/internal/helpers"
)

type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	// Data is type-specific:
	// - A/AAAA/OPT: []byte
	// - SOA: SOAData
	// - CNAME/NS/PTR: string
	// - MX: MXData
	// - SRV: SRVData
	// - TSIG: TSIGData
	// - TXT: either string, []string, or []byte (raw)
	Data any
}

type MXData struct {
	Preference uint16
	Exchange   string
}

// SOAData holds the RDATA of a Start of Authority record (RFC 1035 §3.3.13).
type SOAData struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// SRVData holds the RDATA of a service locator record (RFC 2782).
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// TSIGData holds the RDATA of a transaction signature pseudo-record (RFC 8945 §4.2).
// It is produced and consumed by the tsig package; dns only knows how to move the
// bytes, not how to compute or verify MACs.
type TSIGData struct {
	AlgorithmName string
	TimeSigned    uint64 // 48-bit value
	Fudge         uint16
	MAC           []byte
	OriginalID    uint16
	Error         uint16
	OtherData     []byte
}

func ParseRecord(msg []byte, off *int) (Record, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return Record{}, err
	}
	if *off+10 > len(msg) {
		return Record{}, fmt.Errorf("%w: unexpected EOF while reading DNS record", ErrDNSError)
	}
	rrType := binary.BigEndian.Uint16(msg[*off : *off+2])
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := binary.BigEndian.Uint16(msg[*off+8 : *off+10])
	*off += 10
	start := *off
	if start+int(rdlen) > len(msg) {
		return Record{}, fmt.Errorf("%w: unexpected EOF while reading DNS record rdata", ErrDNSError)
	}

	var data any
	switch RecordType(rrType) {
	case TypeCNAME, TypeNS, TypePTR:
		n, err := DecodeName(msg, off)
		if err != nil {
			return Record{}, err
		}
		if *off-start != int(rdlen) {
			return Record{}, fmt.Errorf("%w: invalid DNS record rdata length for name-based type", ErrDNSError)
		}
		data = n
	case TypeMX:
		if *off+2 > len(msg) {
			return Record{}, fmt.Errorf("%w: unexpected EOF while reading MX preference", ErrDNSError)
		}
		pref := binary.BigEndian.Uint16(msg[*off : *off+2])
		*off += 2
		ex, err := DecodeName(msg, off)
		if err != nil {
			return Record{}, err
		}
		if *off-start != int(rdlen) {
			return Record{}, fmt.Errorf("%w: invalid DNS record rdata length for MX", ErrDNSError)
		}
		data = MXData{Preference: pref, Exchange: ex}
	case TypeSOA:
		soa, err := parseSOARData(msg, off, start, int(rdlen))
		if err != nil {
			return Record{}, err
		}
		data = soa
	case TypeSRV:
		if *off+6 > len(msg) {
			return Record{}, fmt.Errorf("%w: unexpected EOF while reading SRV record", ErrDNSError)
		}
		priority := binary.BigEndian.Uint16(msg[*off : *off+2])
		weight := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
		port := binary.BigEndian.Uint16(msg[*off+4 : *off+6])
		*off += 6
		target, err := DecodeName(msg, off)
		if err != nil {
			return Record{}, err
		}
		if *off-start != int(rdlen) {
			return Record{}, fmt.Errorf("%w: invalid DNS record rdata length for SRV", ErrDNSError)
		}
		data = SRVData{Priority: priority, Weight: weight, Port: port, Target: target}
	case TypeTSIG:
		tsig, err := parseTSIGRData(msg, off, rdlen)
		if err != nil {
			return Record{}, err
		}
		data = tsig
	default:
		b := make([]byte, rdlen)
		copy(b, msg[*off:*off+int(rdlen)])
		*off += int(rdlen)
		data = b
	}

	return Record{Name: name, Type: rrType, Class: rrClass, TTL: ttl, Data: data}, nil
}

func (rr Record) Marshal() ([]byte, error) {
	nameWire := []byte{0}
	if rr.Type != uint16(TypeOPT) {
		b, err := EncodeName(rr.Name)
		if err != nil {
			return nil, err
		}
		nameWire = b
	}

	rdata, err := rr.marshalRData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], rr.Type)
	binary.BigEndian.PutUint16(fixed[2:4], rr.Class)
	binary.BigEndian.PutUint32(fixed[4:8], rr.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	out = append(out, fixed...)
	out = append(out, rdata...)
	return out, nil
}

// namesAreCompressible reports whether RFC 1035 permits compressing names
// appearing in this record type's RDATA. TSIG and SRV names are excluded:
// RFC 8945 requires the TSIG algorithm name to be written literally, and
// RFC 2782 recommends SRV targets never be compressed.
func namesAreCompressible(t RecordType) bool {
	switch t {
	case TypeCNAME, TypeNS, TypePTR, TypeMX, TypeSOA:
		return true
	default:
		return false
	}
}

// MarshalCompressed serializes the record at the given message offset,
// compressing its owner name and (where RFC 1035 allows it) any domain names
// in its RDATA against comp. Pass a nil comp for fully uncompressed output.
func (rr Record) MarshalCompressed(comp CompressionMap, offset int) ([]byte, error) {
	if comp == nil || !namesAreCompressible(RecordType(rr.Type)) {
		nameWire, rdata, err := rr.marshalUncompressedParts()
		if err != nil {
			return nil, err
		}
		return assembleRR(nameWire, rr, rdata), nil
	}

	nameWire := []byte{0}
	if RecordType(rr.Type) != TypeOPT {
		b, err := EncodeNameCompressed(rr.Name, comp, offset)
		if err != nil {
			return nil, err
		}
		nameWire = b
	}
	rdataOffset := offset + len(nameWire) + 10
	rdata, err := rr.marshalRDataCompressed(comp, rdataOffset)
	if err != nil {
		return nil, err
	}
	return assembleRR(nameWire, rr, rdata), nil
}

func (rr Record) marshalUncompressedParts() ([]byte, []byte, error) {
	nameWire := []byte{0}
	if RecordType(rr.Type) != TypeOPT {
		b, err := EncodeName(rr.Name)
		if err != nil {
			return nil, nil, err
		}
		nameWire = b
	}
	rdata, err := rr.marshalRData()
	if err != nil {
		return nil, nil, err
	}
	return nameWire, rdata, nil
}

func assembleRR(nameWire []byte, rr Record, rdata []byte) []byte {
	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], rr.Type)
	binary.BigEndian.PutUint16(fixed[2:4], rr.Class)
	binary.BigEndian.PutUint32(fixed[4:8], rr.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], helpers.ClampIntToUint16(len(rdata)))
	out = append(out, fixed...)
	out = append(out, rdata...)
	return out
}

// marshalRDataCompressed is like marshalRData but compresses the single
// trailing or embedded domain name that CNAME/NS/PTR/MX/SOA RDATA carries.
func (rr Record) marshalRDataCompressed(comp CompressionMap, offset int) ([]byte, error) {
	switch RecordType(rr.Type) {
	case TypeCNAME, TypeNS, TypePTR:
		s, ok := rr.Data.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: name-based record data must be a non-empty string", ErrDNSError)
		}
		return EncodeNameCompressed(s, comp, offset)
	case TypeMX:
		mx, ok := rr.Data.(MXData)
		if !ok {
			return nil, fmt.Errorf("%w: MX record data must be MXData", ErrDNSError)
		}
		ex, err := EncodeNameCompressed(mx.Exchange, comp, offset+2)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2, 2+len(ex))
		binary.BigEndian.PutUint16(out[0:2], mx.Preference)
		return append(out, ex...), nil
	case TypeSOA:
		soa, ok := rr.Data.(SOAData)
		if !ok {
			return nil, fmt.Errorf("%w: SOA record data must be SOAData", ErrDNSError)
		}
		mname, err := EncodeNameCompressed(soa.MName, comp, offset)
		if err != nil {
			return nil, err
		}
		rname, err := EncodeNameCompressed(soa.RName, comp, offset+len(mname))
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(mname)+len(rname)+20)
		out = append(out, mname...)
		out = append(out, rname...)
		tail := make([]byte, 20)
		binary.BigEndian.PutUint32(tail[0:4], soa.Serial)
		binary.BigEndian.PutUint32(tail[4:8], soa.Refresh)
		binary.BigEndian.PutUint32(tail[8:12], soa.Retry)
		binary.BigEndian.PutUint32(tail[12:16], soa.Expire)
		binary.BigEndian.PutUint32(tail[16:20], soa.Minimum)
		return append(out, tail...), nil
	default:
		return rr.marshalRData()
	}
}

func (rr Record) marshalRData() ([]byte, error) {
	switch RecordType(rr.Type) {
	case TypeA:
		b, ok := rr.Data.([]byte)
		if !ok || len(b) != 4 {
			return nil, fmt.Errorf("%w: A record data must be 4 bytes", ErrDNSError)
		}
		return b, nil
	case TypeAAAA:
		b, ok := rr.Data.([]byte)
		if !ok || len(b) != 16 {
			return nil, fmt.Errorf("%w: AAAA record data must be 16 bytes", ErrDNSError)
		}
		return b, nil
	case TypeMX:
		mx, ok := rr.Data.(MXData)
		if !ok {
			return nil, fmt.Errorf("%w: MX record data must be MXData", ErrDNSError)
		}
		ex, err := EncodeName(mx.Exchange)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2+len(ex))
		binary.BigEndian.PutUint16(out[0:2], mx.Preference)
		copy(out[2:], ex)
		return out, nil
	case TypeCNAME, TypeNS, TypePTR:
		s, ok := rr.Data.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: name-based record data must be a non-empty string", ErrDNSError)
		}
		return EncodeName(s)
	case TypeTXT:
		return marshalTXT(rr.Data)
	case TypeSOA:
		soa, ok := rr.Data.(SOAData)
		if !ok {
			return nil, fmt.Errorf("%w: SOA record data must be SOAData", ErrDNSError)
		}
		return marshalSOARData(soa)
	case TypeSRV:
		srv, ok := rr.Data.(SRVData)
		if !ok {
			return nil, fmt.Errorf("%w: SRV record data must be SRVData", ErrDNSError)
		}
		tgt, err := EncodeName(srv.Target)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 6, 6+len(tgt))
		binary.BigEndian.PutUint16(out[0:2], srv.Priority)
		binary.BigEndian.PutUint16(out[2:4], srv.Weight)
		binary.BigEndian.PutUint16(out[4:6], srv.Port)
		return append(out, tgt...), nil
	case TypeTSIG:
		tsig, ok := rr.Data.(TSIGData)
		if !ok {
			return nil, fmt.Errorf("%w: TSIG record data must be TSIGData", ErrDNSError)
		}
		return marshalTSIGRData(tsig)
	case TypeOPT:
		if rr.Data == nil {
			return nil, nil
		}
		b, ok := rr.Data.([]byte)
		if ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: OPT record data must be raw bytes", ErrDNSError)
	default:
		if b, ok := rr.Data.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: unsupported RR type for serialization: %d", ErrDNSError, rr.Type)
	}
}

func marshalTXT(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return marshalTXTString(t), nil
	case []string:
		// Pre-calculate total size to avoid reallocations
		totalLen := 0
		for _, s := range t {
			totalLen += 1 + len(s) // length byte + string data
		}
		out := make([]byte, 0, totalLen)
		for _, s := range t {
			b := []byte(s)
			if len(b) > 255 {
				return nil, fmt.Errorf("%w: TXT character-string cannot exceed 255 bytes", ErrDNSError)
			}
			out = append(out, byte(len(b)))
			out = append(out, b...)
		}
		return out, nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: TXT record data must be string, []string, or []byte", ErrDNSError)
	}
}

func marshalTXTString(s string) []byte {
	b := []byte(s)
	if len(b) <= 255 {
		out := make([]byte, 1+len(b))
		out[0] = byte(len(b))
		copy(out[1:], b)
		return out
	}
	// Long string: split into 255-byte chunks
	// Calculate total size: len(b) data bytes + (len(b)/255 + 1) length bytes
	numChunks := (len(b) + 254) / 255
	out := make([]byte, 0, len(b)+numChunks)
	for i := 0; i < len(b); i += 255 {
		chunk := b[i:]
		if len(chunk) > 255 {
			chunk = chunk[:255]
		}
		out = append(out, byte(len(chunk)))
		out = append(out, chunk...)
	}
	return out
}

func parseSOARData(msg []byte, off *int, start, rdlen int) (SOAData, error) {
	mname, err := DecodeName(msg, off)
	if err != nil {
		return SOAData{}, err
	}
	rname, err := DecodeName(msg, off)
	if err != nil {
		return SOAData{}, err
	}
	if *off+20 > len(msg) {
		return SOAData{}, fmt.Errorf("%w: unexpected EOF while reading SOA record", ErrDNSError)
	}
	soa := SOAData{
		MName:   mname,
		RName:   rname,
		Serial:  binary.BigEndian.Uint32(msg[*off : *off+4]),
		Refresh: binary.BigEndian.Uint32(msg[*off+4 : *off+8]),
		Retry:   binary.BigEndian.Uint32(msg[*off+8 : *off+12]),
		Expire:  binary.BigEndian.Uint32(msg[*off+12 : *off+16]),
		Minimum: binary.BigEndian.Uint32(msg[*off+16 : *off+20]),
	}
	*off += 20
	if *off-start != rdlen {
		return SOAData{}, fmt.Errorf("%w: invalid DNS record rdata length for SOA", ErrDNSError)
	}
	return soa, nil
}

func marshalSOARData(soa SOAData) ([]byte, error) {
	mname, err := EncodeName(soa.MName)
	if err != nil {
		return nil, err
	}
	rname, err := EncodeName(soa.RName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(mname)+len(rname)+20)
	out = append(out, mname...)
	out = append(out, rname...)
	tail := make([]byte, 20)
	binary.BigEndian.PutUint32(tail[0:4], soa.Serial)
	binary.BigEndian.PutUint32(tail[4:8], soa.Refresh)
	binary.BigEndian.PutUint32(tail[8:12], soa.Retry)
	binary.BigEndian.PutUint32(tail[12:16], soa.Expire)
	binary.BigEndian.PutUint32(tail[16:20], soa.Minimum)
	return append(out, tail...), nil
}

// parseTSIGRData parses a TSIG RDATA blob (RFC 8945 §4.2). The TSIG record's
// owner name (the key name) and TTL (always 0) live outside the RDATA and are
// handled by the generic record parser; off is positioned at the start of RDATA.
func parseTSIGRData(msg []byte, off *int, rdlen uint16) (TSIGData, error) {
	start := *off
	algName, err := DecodeName(msg, off)
	if err != nil {
		return TSIGData{}, err
	}
	if *off+10 > len(msg) {
		return TSIGData{}, fmt.Errorf("%w: unexpected EOF while reading TSIG time fields", ErrDNSError)
	}
	timeHi := binary.BigEndian.Uint16(msg[*off : *off+2])
	timeLo := binary.BigEndian.Uint32(msg[*off+2 : *off+6])
	fudge := binary.BigEndian.Uint16(msg[*off+6 : *off+8])
	macLen := binary.BigEndian.Uint16(msg[*off+8 : *off+10])
	*off += 10
	if *off+int(macLen) > len(msg) {
		return TSIGData{}, fmt.Errorf("%w: unexpected EOF while reading TSIG MAC", ErrDNSError)
	}
	mac := make([]byte, macLen)
	copy(mac, msg[*off:*off+int(macLen)])
	*off += int(macLen)

	if *off+6 > len(msg) {
		return TSIGData{}, fmt.Errorf("%w: unexpected EOF while reading TSIG trailer", ErrDNSError)
	}
	origID := binary.BigEndian.Uint16(msg[*off : *off+2])
	tsigErr := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	otherLen := binary.BigEndian.Uint16(msg[*off+4 : *off+6])
	*off += 6
	if *off+int(otherLen) > len(msg) {
		return TSIGData{}, fmt.Errorf("%w: unexpected EOF while reading TSIG other-data", ErrDNSError)
	}
	other := make([]byte, otherLen)
	copy(other, msg[*off:*off+int(otherLen)])
	*off += int(otherLen)

	if *off-start != int(rdlen) {
		return TSIGData{}, fmt.Errorf("%w: invalid DNS record rdata length for TSIG", ErrDNSError)
	}

	return TSIGData{
		AlgorithmName: NormalizeName(algName),
		TimeSigned:    uint64(timeHi)<<32 | uint64(timeLo),
		Fudge:         fudge,
		MAC:           mac,
		OriginalID:    origID,
		Error:         tsigErr,
		OtherData:     other,
	}, nil
}

// marshalTSIGRData serializes a TSIG RDATA blob. The algorithm name is always
// written uncompressed per RFC 8945 §4.2.
func marshalTSIGRData(t TSIGData) ([]byte, error) {
	alg, err := EncodeName(t.AlgorithmName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(alg)+10+len(t.MAC)+6+len(t.OtherData))
	out = append(out, alg...)

	head := make([]byte, 10)
	binary.BigEndian.PutUint16(head[0:2], uint16(t.TimeSigned>>32))
	binary.BigEndian.PutUint32(head[2:6], uint32(t.TimeSigned))
	binary.BigEndian.PutUint16(head[6:8], t.Fudge)
	binary.BigEndian.PutUint16(head[8:10], helpers.ClampIntToUint16(len(t.MAC)))
	out = append(out, head...)
	out = append(out, t.MAC...)

	tail := make([]byte, 6)
	binary.BigEndian.PutUint16(tail[0:2], t.OriginalID)
	binary.BigEndian.PutUint16(tail[2:4], t.Error)
	binary.BigEndian.PutUint16(tail[4:6], helpers.ClampIntToUint16(len(t.OtherData)))
	out = append(out, tail...)
	out = append(out, t.OtherData...)
	return out, nil
}

func (rr Record) IPv4() (string, bool) {
	if RecordType(rr.Type) != TypeA {
		return "", false
	}
	b, ok := rr.Data.([]byte)
	if !ok || len(b) != 4 {
		return "", false
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).String(), true
}

func (rr Record) IPv6() (string, bool) {
	if RecordType(rr.Type) != TypeAAAA {
		return "", false
	}
	b, ok := rr.Data.([]byte)
	if !ok || len(b) != 16 {
		return "", false
	}
	return net.IP(b).String(), true
}
