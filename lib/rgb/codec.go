package rgb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// Errors returned
var (
	ErrEncoding = errors.New("invalid encoding")
)

// maxItems bounds the length of decoded lists.
const maxItems = 1 << 16

func encodeStream(records ...tlv.Record) ([]byte, error) {
	s, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err = s.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream decodes b into records and checks every type in required was present.
func decodeStream(b []byte, required []tlv.Type, records ...tlv.Record) error {
	s, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	parsed, err := s.DecodeWithParsedTypes(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	for _, t := range required {
		if _, ok := parsed[t]; !ok {
			return fmt.Errorf("%w: missing record %d", ErrEncoding, t)
		}
	}

	return nil
}

func writeList(w io.Writer, n int, item func(io.Writer) error) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(n), &buf); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if err := item(w); err != nil {
			return err
		}
	}

	return nil
}

func readCount(r io.Reader) (int, error) {
	var buf [8]byte

	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	if n > maxItems {
		return 0, fmt.Errorf("%w: list of %d items", ErrEncoding, n)
	}

	return int(n), nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(b)), &buf); err != nil {
		return err
	}

	_, err := w.Write(b)

	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var buf [8]byte

	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	if n > 1<<24 {
		return nil, fmt.Errorf("%w: %d byte item", ErrEncoding, n)
	}

	b := make([]byte, n)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	return b, nil
}

const (
	assignRevealed  byte = 0
	assignConcealed byte = 1
)

// encodeAssignments writes assignments. With conceal set every seal is written in its concealed form, which is the
// form transition ids commit to.
func encodeAssignments(as []Assignment, conceal bool) ([]byte, error) {
	var b bytes.Buffer

	i := 0
	err := writeList(&b, len(as), func(w io.Writer) error {
		a := as[i]
		i++

		var amount [8]byte

		binary.LittleEndian.PutUint64(amount[:], a.Amount)

		if a.Seal == nil || conceal {
			tok := a.AuthToken()
			_, err := w.Write(append(append([]byte{assignConcealed}, tok[:]...), amount[:]...))

			return err
		}

		var seal [44]byte

		copy(seal[:32], a.Seal.Txid[:])
		binary.LittleEndian.PutUint32(seal[32:36], a.Seal.Vout)
		binary.LittleEndian.PutUint64(seal[36:], a.Seal.Blinding)

		_, err := w.Write(append(append([]byte{assignRevealed}, seal[:]...), amount[:]...))

		return err
	})

	return b.Bytes(), err
}

func decodeAssignments(b []byte) ([]Assignment, error) {
	r := bytes.NewReader(b)

	n, err := readCount(r)
	if err != nil {
		return nil, err
	}

	as := make([]Assignment, 0, n)

	for i := 0; i < n; i++ {
		var kind [1]byte
		if _, err = io.ReadFull(r, kind[:]); err != nil {
			return nil, fmt.Errorf("%w: assignment %d", ErrEncoding, i)
		}

		switch kind[0] {
		case assignConcealed:
			var rec [40]byte
			if _, err = io.ReadFull(r, rec[:]); err != nil {
				return nil, fmt.Errorf("%w: assignment %d", ErrEncoding, i)
			}

			var tok AuthToken

			copy(tok[:], rec[:32])
			as = append(as, Concealed(tok, binary.LittleEndian.Uint64(rec[32:])))
		case assignRevealed:
			var rec [52]byte
			if _, err = io.ReadFull(r, rec[:]); err != nil {
				return nil, fmt.Errorf("%w: assignment %d", ErrEncoding, i)
			}

			var s Seal

			copy(s.Txid[:], rec[:32])
			s.Vout = binary.LittleEndian.Uint32(rec[32:36])
			s.Blinding = binary.LittleEndian.Uint64(rec[36:44])
			as = append(as, Revealed(s, binary.LittleEndian.Uint64(rec[44:])))
		default:
			return nil, fmt.Errorf("%w: assignment %d has kind %d", ErrEncoding, i, kind[0])
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after assignments", ErrEncoding, r.Len())
	}

	return as, nil
}

func encodeOutpoints(ops []wire.OutPoint) ([]byte, error) {
	var b bytes.Buffer

	i := 0
	err := writeList(&b, len(ops), func(w io.Writer) error {
		var rec [36]byte

		copy(rec[:32], ops[i].Hash[:])
		binary.LittleEndian.PutUint32(rec[32:], ops[i].Index)
		i++

		_, err := w.Write(rec[:])

		return err
	})

	return b.Bytes(), err
}

func decodeOutpoints(b []byte) ([]wire.OutPoint, error) {
	r := bytes.NewReader(b)

	n, err := readCount(r)
	if err != nil {
		return nil, err
	}

	ops := make([]wire.OutPoint, n)

	for i := range ops {
		var rec [36]byte
		if _, err = io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("%w: outpoint %d", ErrEncoding, i)
		}

		copy(ops[i].Hash[:], rec[:32])
		ops[i].Index = binary.LittleEndian.Uint32(rec[32:])
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after outpoints", ErrEncoding, r.Len())
	}

	return ops, nil
}
