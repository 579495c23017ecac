package codec

import "encoding/binary"

// FragmentHeaderSize is message_id_low_32 || seq_u8 || total_u8 || flags_u8 (§4.4).
const FragmentHeaderSize = 4 + 1 + 1 + 1

// FragmentHeader is the 7-byte envelope the router prepends to each piece of
// a fragmented payload.
type FragmentHeader struct {
	MessageIDLow32 uint32
	Seq            uint8
	Total          uint8
	Flags          uint8
}

func EncodeFragmentHeader(h FragmentHeader) []byte {
	buf := make([]byte, FragmentHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.MessageIDLow32)
	buf[4] = h.Seq
	buf[5] = h.Total
	buf[6] = h.Flags
	return buf
}

func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, ErrMalformed
	}
	return FragmentHeader{
		MessageIDLow32: binary.BigEndian.Uint32(b[0:4]),
		Seq:            b[4],
		Total:          b[5],
		Flags:          b[6],
	}, nil
}

// MessageIDLow32 extracts the low 32 bits of a 16-byte message ID, used to
// correlate fragments without repeating the full ID in every piece.
func MessageIDLow32(id [MessageIDSize]byte) uint32 {
	return binary.BigEndian.Uint32(id[MessageIDSize-4:])
}
