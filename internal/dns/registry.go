package dns

import (
	"fmt"
	"net"
)

// RRHeader is the owner/class/TTL envelope shared by every concrete resource
// record type. It mirrors the fixed fields of Record minus Type, since Type is
// supplied by the concrete RR implementation itself.
type RRHeader struct {
	Name  string
	Class RecordClass
	TTL   uint32
}

// NewRRHeader builds the shared record envelope.
func NewRRHeader(name string, class RecordClass, ttl uint32) RRHeader {
	return RRHeader{Name: name, Class: class, TTL: ttl}
}

// RR is the tagged-union interface every concrete record type satisfies: a
// closed set of Go types (IPRecord, NameRecord, SOARecord, MXRecord, SRVRecord,
// TXTRecord, OPTRRecord, TSIGRecord) plus OpaqueRecord for anything unregistered.
// This is the polymorphic record set described for the wire codec: callers
// switch on concrete type via a type switch or Type(), never on a raw integer
// parsed out of band.
type RR interface {
	Type() RecordType
	Header() RRHeader
	SetHeader(RRHeader)
	MarshalRData() ([]byte, error)
}

// ToRR converts a parsed Record into its concrete RR representation. This is
// the bridge between the section-oriented Packet/Record pipeline (used by the
// server and transport code for bulk read/write) and the typed RR views that
// the TSIG engine and SPF evaluator operate on.
func ToRR(rec Record) (RR, error) {
	h := RRHeader{Name: rec.Name, Class: RecordClass(rec.Class), TTL: rec.TTL}
	switch RecordType(rec.Type) {
	case TypeA, TypeAAAA:
		b, ok := rec.Data.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: A/AAAA record data must be raw bytes", ErrDNSError)
		}
		return &IPRecord{H: h, Addr: net.IP(b)}, nil
	case TypeCNAME, TypeNS, TypePTR:
		s, ok := rec.Data.(string)
		if !ok {
			return nil, fmt.Errorf("%w: name record data must be a string", ErrDNSError)
		}
		return &NameRecord{H: h, T: RecordType(rec.Type), Target: s}, nil
	case TypeSOA:
		soa, ok := rec.Data.(SOAData)
		if !ok {
			return nil, fmt.Errorf("%w: SOA record data must be SOAData", ErrDNSError)
		}
		return &SOARecord{H: h, Data: soa}, nil
	case TypeMX:
		mx, ok := rec.Data.(MXData)
		if !ok {
			return nil, fmt.Errorf("%w: MX record data must be MXData", ErrDNSError)
		}
		return &MXRecord{H: h, Data: mx}, nil
	case TypeSRV:
		srv, ok := rec.Data.(SRVData)
		if !ok {
			return nil, fmt.Errorf("%w: SRV record data must be SRVData", ErrDNSError)
		}
		return &SRVRecord{H: h, Data: srv}, nil
	case TypeTXT:
		b, ok := rec.Data.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: TXT record data must be raw bytes", ErrDNSError)
		}
		return &TXTRecord{H: h, Raw: b}, nil
	case TypeOPT:
		b, ok := rec.Data.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: OPT record data must be raw bytes", ErrDNSError)
		}
		return &OPTRRecord{H: h, Opt: OPTRecord{
			UDPPayloadSize: rec.Class,
			ExtendedRCode:  byte(rec.TTL >> 24),
			Version:        byte(rec.TTL >> 16),
			DNSSECOk:       (rec.TTL>>15)&1 == 1,
			Options:        ParseEDNSOptions(b),
		}}, nil
	case TypeTSIG:
		t, ok := rec.Data.(TSIGData)
		if !ok {
			return nil, fmt.Errorf("%w: TSIG record data must be TSIGData", ErrDNSError)
		}
		return &TSIGRecord{H: h, Data: t}, nil
	default:
		b, _ := rec.Data.([]byte)
		return &OpaqueRecord{H: h, T: RecordType(rec.Type), Data: b}, nil
	}
}

// FromRR converts a concrete RR back into the section-oriented Record shape
// used by Packet marshaling.
func FromRR(rr RR) Record {
	h := rr.Header()
	rec := Record{Name: h.Name, Type: uint16(rr.Type()), Class: uint16(h.Class), TTL: h.TTL}
	switch v := rr.(type) {
	case *IPRecord:
		b, _ := v.MarshalRData()
		rec.Data = b
	case *NameRecord:
		rec.Data = v.Target
	case *SOARecord:
		rec.Data = v.Data
	case *MXRecord:
		rec.Data = v.Data
	case *SRVRecord:
		rec.Data = v.Data
	case *TXTRecord:
		rec.Data = v.Raw
	case *OPTRRecord:
		b, _ := v.Opt.marshalRDataOnly()
		rec.Data = b
		rec.Class = uint16(v.Opt.UDPPayloadSize)
		rec.TTL = packOPTTTL(v.Opt.ExtendedRCode, v.Opt.Version, v.Opt.DNSSECOk)
	case *TSIGRecord:
		rec.Data = v.Data
	case *OpaqueRecord:
		if b, ok := v.Data.([]byte); ok {
			rec.Data = b
		}
	}
	return rec
}
