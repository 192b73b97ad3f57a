package pipeline

// ExtractBytes applies spec to payload and returns the selected slice.
//
//   - nil spec: payload unchanged.
//   - bitOffset+bitLength set: that contiguous bit run (MSB-first), right
//     aligned into a fresh buffer with zero padding in the high bits.
//   - otherwise: the byte slice [byteOffset, byteOffset+byteLength); a missing
//     length means "to end".
//
// Ranges outside the payload yield an empty buffer, never an error; a short
// buffer then surfaces as a decode failure in the numeric codecs.
func ExtractBytes(payload []byte, spec *ExtractSpec) []byte {
	if spec == nil {
		return payload
	}
	if spec.BitOffset != nil && spec.BitLength != nil {
		return extractBits(payload, *spec.BitOffset, *spec.BitLength)
	}

	offset := 0
	if spec.ByteOffset != nil {
		offset = *spec.ByteOffset
	}
	if offset < 0 || offset >= len(payload) {
		return []byte{}
	}
	end := len(payload)
	if spec.ByteLength != nil {
		end = offset + *spec.ByteLength
		if end > len(payload) {
			end = len(payload)
		}
	}
	if end <= offset {
		return []byte{}
	}
	out := make([]byte, end-offset)
	copy(out, payload[offset:end])
	return out
}

// extractBits pulls bitLength bits starting at bitOffset and right-aligns
// them. Bits past the payload end are truncated.
func extractBits(payload []byte, bitOffset, bitLength int) []byte {
	totalBits := len(payload) * 8
	if bitOffset < 0 || bitLength <= 0 || bitOffset >= totalBits {
		return []byte{}
	}
	if bitOffset+bitLength > totalBits {
		bitLength = totalBits - bitOffset
	}

	n := (bitLength + 7) / 8
	out := make([]byte, n)
	pad := n*8 - bitLength
	for i := 0; i < bitLength; i++ {
		srcIdx := bitOffset + i
		bit := (payload[srcIdx/8] >> (7 - srcIdx%8)) & 1
		dstIdx := pad + i
		out[dstIdx/8] |= bit << (7 - dstIdx%8)
	}
	return out
}
