package genwal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// On-disk record shape: a sequence of (buffer-ref, image) entries.
//
//	u32  total record length (including this header)
//	u16  number of buffer refs
//	per ref:
//	  u32  relation id
//	  u8   fork number
//	  u32  block number
//	  u8   kind (0 = full image, 1 = delta)
//	  full image: page.Size raw bytes
//	  delta:      u16 fragment count, then per fragment
//	              u16 offset, u16 length, raw bytes
const (
	kindFullImage byte = 0
	kindDelta     byte = 1

	// fragmentGap is how close two changed runs must be before the delta
	// encoder merges them into one fragment; headers cost 4 bytes each.
	fragmentGap = 8
)

// BufferRef names one page touched by a record.
type BufferRef struct {
	Rel   primitives.RelID
	Fork  primitives.ForkNumber
	Block primitives.BlockNumber
}

// Fragment is one contiguous byte-range change within a page.
type Fragment struct {
	Offset uint16
	Data   []byte
}

// Entry is the decoded form of one buffer's worth of a record.
type Entry struct {
	Ref       BufferRef
	FullImage page.Page  // nil for delta entries
	Fragments []Fragment // nil for full-image entries
}

// Record is one decoded WAL record, with the LSN it stamps onto pages.
type Record struct {
	LSN     primitives.LSN
	Entries []Entry
}

func encodeRecord(regs []registration) []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, uint16(len(regs)))

	for _, reg := range regs {
		buf := reg.buf
		_ = binary.Write(body, binary.LittleEndian, uint32(buf.Rel()))
		body.WriteByte(byte(buf.Fork()))
		_ = binary.Write(body, binary.LittleEndian, uint32(buf.Block()))

		if reg.fullImage {
			body.WriteByte(kindFullImage)
			body.Write(buf.Page())
			continue
		}

		frags := diffPages(reg.before, buf.Page())
		body.WriteByte(kindDelta)
		_ = binary.Write(body, binary.LittleEndian, uint16(len(frags)))
		for _, f := range frags {
			_ = binary.Write(body, binary.LittleEndian, f.Offset)
			_ = binary.Write(body, binary.LittleEndian, uint16(len(f.Data)))
			body.Write(f.Data)
		}
	}

	out := new(bytes.Buffer)
	_ = binary.Write(out, binary.LittleEndian, uint32(4+body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// diffPages finds the changed byte ranges between two page images,
// merging runs separated by fewer than fragmentGap unchanged bytes.
func diffPages(before, after page.Page) []Fragment {
	var frags []Fragment
	i := 0
	for i < page.Size {
		if before[i] == after[i] {
			i++
			continue
		}
		start := i
		last := i
		for j := i + 1; j < page.Size && j-last <= fragmentGap; j++ {
			if before[j] != after[j] {
				last = j
			}
		}
		data := make([]byte, last-start+1)
		copy(data, after[start:last+1])
		frags = append(frags, Fragment{Offset: uint16(start), Data: data})
		i = last + 1
	}
	return frags
}

// decodeRecord parses one record starting at data and returns it plus the
// number of bytes consumed. An incomplete tail (torn final record after a
// crash) returns a nil record and no error.
func decodeRecord(data []byte, startLSN primitives.LSN) (*Record, int, error) {
	if len(data) < 4 {
		return nil, 0, nil
	}
	total := int(binary.LittleEndian.Uint32(data))
	if total < 6 {
		return nil, 0, fmt.Errorf("corrupted WAL record: length %d", total)
	}
	if len(data) < total {
		return nil, 0, nil
	}

	rec := &Record{LSN: startLSN + primitives.LSN(total)}
	r := bytes.NewReader(data[4:total])
	var nrefs uint16
	if err := binary.Read(r, binary.LittleEndian, &nrefs); err != nil {
		return nil, 0, fmt.Errorf("corrupted WAL record header: %v", err)
	}

	for i := 0; i < int(nrefs); i++ {
		var rel uint32
		var block uint32
		var fork, kind byte
		if err := binary.Read(r, binary.LittleEndian, &rel); err != nil {
			return nil, 0, fmt.Errorf("corrupted buffer ref: %v", err)
		}
		fork, _ = r.ReadByte()
		if err := binary.Read(r, binary.LittleEndian, &block); err != nil {
			return nil, 0, fmt.Errorf("corrupted buffer ref: %v", err)
		}
		kind, _ = r.ReadByte()

		entry := Entry{Ref: BufferRef{
			Rel:   primitives.RelID(rel),
			Fork:  primitives.ForkNumber(fork),
			Block: primitives.BlockNumber(block),
		}}

		switch kind {
		case kindFullImage:
			img := make(page.Page, page.Size)
			if _, err := io.ReadFull(r, img); err != nil {
				return nil, 0, fmt.Errorf("corrupted full image: %v", err)
			}
			entry.FullImage = img
		case kindDelta:
			var nfrags uint16
			if err := binary.Read(r, binary.LittleEndian, &nfrags); err != nil {
				return nil, 0, fmt.Errorf("corrupted delta header: %v", err)
			}
			for f := 0; f < int(nfrags); f++ {
				var off, length uint16
				if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
					return nil, 0, fmt.Errorf("corrupted fragment: %v", err)
				}
				if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
					return nil, 0, fmt.Errorf("corrupted fragment: %v", err)
				}
				frag := Fragment{Offset: off, Data: make([]byte, length)}
				if _, err := io.ReadFull(r, frag.Data); err != nil {
					return nil, 0, fmt.Errorf("corrupted fragment body: %v", err)
				}
				entry.Fragments = append(entry.Fragments, frag)
			}
		default:
			return nil, 0, fmt.Errorf("corrupted WAL record: unknown image kind %d", kind)
		}
		rec.Entries = append(rec.Entries, entry)
	}
	return rec, total, nil
}
