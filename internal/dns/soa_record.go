package dns

// SOARecord represents a Start of Authority record.
type SOARecord struct {
	H    RRHeader
	Data SOAData
}

func (r *SOARecord) Type() RecordType       { return TypeSOA }
func (r *SOARecord) Header() RRHeader       { return r.H }
func (r *SOARecord) SetHeader(h RRHeader)   { r.H = h }
func (r *SOARecord) MarshalRData() ([]byte, error) {
	return marshalSOARData(r.Data)
}

// MXRecord represents a mail exchange record.
type MXRecord struct {
	H    RRHeader
	Data MXData
}

func (r *MXRecord) Type() RecordType     { return TypeMX }
func (r *MXRecord) Header() RRHeader     { return r.H }
func (r *MXRecord) SetHeader(h RRHeader) { r.H = h }
func (r *MXRecord) MarshalRData() ([]byte, error) {
	rec := Record{Type: uint16(TypeMX), Data: r.Data}
	return rec.marshalRData()
}

// SRVRecord represents a service locator record (RFC 2782).
type SRVRecord struct {
	H    RRHeader
	Data SRVData
}

func (r *SRVRecord) Type() RecordType     { return TypeSRV }
func (r *SRVRecord) Header() RRHeader     { return r.H }
func (r *SRVRecord) SetHeader(h RRHeader) { r.H = h }
func (r *SRVRecord) MarshalRData() ([]byte, error) {
	rec := Record{Type: uint16(TypeSRV), Data: r.Data}
	return rec.marshalRData()
}

// TXTRecord represents a text record. Raw holds the already-chunked
// character-string sequence exactly as it appears on the wire.
type TXTRecord struct {
	H   RRHeader
	Raw []byte
}

func (r *TXTRecord) Type() RecordType     { return TypeTXT }
func (r *TXTRecord) Header() RRHeader     { return r.H }
func (r *TXTRecord) SetHeader(h RRHeader) { r.H = h }
func (r *TXTRecord) MarshalRData() ([]byte, error) {
	return marshalTXT(r.Raw)
}

// Strings splits Raw into its individual DNS character-strings.
func (r *TXTRecord) Strings() []string {
	var out []string
	for i := 0; i < len(r.Raw); {
		n := int(r.Raw[i])
		i++
		if i+n > len(r.Raw) {
			break
		}
		out = append(out, string(r.Raw[i:i+n]))
		i += n
	}
	return out
}

// OPTRRecord adapts OPTRecord (which predates the RR interface) onto it.
type OPTRRecord struct {
	H   RRHeader
	Opt OPTRecord
}

func (r *OPTRRecord) Type() RecordType     { return TypeOPT }
func (r *OPTRRecord) Header() RRHeader     { return r.H }
func (r *OPTRRecord) SetHeader(h RRHeader) { r.H = h }
func (r *OPTRRecord) MarshalRData() ([]byte, error) {
	return r.Opt.marshalRDataOnly()
}

// TSIGRecord represents a transaction signature pseudo-record (RFC 8945).
type TSIGRecord struct {
	H    RRHeader
	Data TSIGData
}

func (r *TSIGRecord) Type() RecordType     { return TypeTSIG }
func (r *TSIGRecord) Header() RRHeader     { return r.H }
func (r *TSIGRecord) SetHeader(h RRHeader) { r.H = h }
func (r *TSIGRecord) MarshalRData() ([]byte, error) {
	return marshalTSIGRData(r.Data)
}
