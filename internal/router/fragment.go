package router

import (
	"sync"
	"time"

	"github.com/myriadmesh/myriadmesh/internal/codec"
	"github.com/myriadmesh/myriadmesh/internal/mmerr"
)

const FragmentReassemblyTimeout = 60 * time.Second

// Fragment splits frame into chunks no larger than maxSize (minus the
// fragment header), prefixing each with a codec.FragmentHeader (§4.7
// step 5). The caller is responsible for routing each fragment frame
// individually. Router.HandleInbound does not recognise fragment frames or
// feed them to a Reassembler; reassembly happens only where a caller drives
// Reassembler itself.
func Fragment(msgID [codec.MessageIDSize]byte, frame []byte, maxSize int) [][]byte {
	chunkSize := maxSize - codec.FragmentHeaderSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	total := (len(frame) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	out := make([][]byte, 0, total)
	low32 := codec.MessageIDLow32(msgID)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		hdr := codec.EncodeFragmentHeader(codec.FragmentHeader{
			MessageIDLow32: low32, Seq: uint8(seq), Total: uint8(total),
		})
		piece := append(append([]byte(nil), hdr...), frame[start:end]...)
		out = append(out, piece)
	}
	return out
}

type reassemblyState struct {
	total    uint8
	pieces   map[uint8][]byte
	firstSeen time.Time
}

// Reassembler tracks in-progress fragment reassembly per message, with a
// 60 s timeout (§4.7 step 5); on timeout partial state is discarded and
// FragmentTimeout is reported via the returned error from Timeouts.
type Reassembler struct {
	mu    sync.Mutex
	state map[uint32]*reassemblyState
}

func NewReassembler() *Reassembler {
	return &Reassembler{state: make(map[uint32]*reassemblyState)}
}

// Add ingests one fragment. It returns the reassembled frame and true once
// every piece has arrived; otherwise (nil, false).
func (r *Reassembler) Add(hdr codec.FragmentHeader, payload []byte, now time.Time) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state[hdr.MessageIDLow32]
	if !ok {
		st = &reassemblyState{total: hdr.Total, pieces: make(map[uint8][]byte), firstSeen: now}
		r.state[hdr.MessageIDLow32] = st
	}
	st.pieces[hdr.Seq] = payload

	if uint8(len(st.pieces)) < st.total {
		return nil, false
	}

	var out []byte
	for seq := uint8(0); seq < st.total; seq++ {
		piece, ok := st.pieces[seq]
		if !ok {
			return nil, false
		}
		out = append(out, piece...)
	}
	delete(r.state, hdr.MessageIDLow32)
	return out, true
}

// Timeouts discards reassembly state older than FragmentReassemblyTimeout,
// returning one mmerr.KindFragmentTimeout error per discarded message.
func (r *Reassembler) Timeouts(now time.Time) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, st := range r.state {
		if now.Sub(st.firstSeen) > FragmentReassemblyTimeout {
			delete(r.state, id)
			errs = append(errs, mmerr.New(mmerr.KindFragmentTimeout, "fragment reassembly timed out", nil))
		}
	}
	return errs
}
