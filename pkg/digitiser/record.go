package digitiser

// recordHeaderSize is the fixed part of a DPP record: channel (U8),
// timestamp (U64), energy (U16) and waveform size (SIZE_T).
const recordHeaderSize = 1 + 8 + 2 + 8

// Record is one acquired waveform event. WaveformLength is the authoritative
// number of valid samples; Samples may be longer (the read buffer) or, with a
// misbehaving driver, shorter.
type Record struct {
	Channel        uint8
	Timestamp      uint64
	Energy         uint16
	WaveformLength uint
	Samples        []int16
}

// Valid returns the samples covered by WaveformLength without reading past
// the end of the buffer.
func (r *Record) Valid() []int16 {
	if r == nil {
		return nil
	}
	n := r.WaveformLength
	if n > uint(len(r.Samples)) {
		n = uint(len(r.Samples))
	}
	return r.Samples[:n]
}

// Size is the number of bytes the record carries, used for throughput
// accounting.
func (r *Record) Size() int {
	if r == nil {
		return 0
	}
	return recordHeaderSize + 2*len(r.Valid())
}
