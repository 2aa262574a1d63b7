package slotty

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Kind returns SnapshotSimple
func (s *SimpleSnapshot) Kind() SnapshotKind { return SnapshotSimple }

// LastLogIndex is the last index included in the snapshot
func (s *SimpleSnapshot) LastLogIndex() uint64 { return s.Index }

// LastLogTerm is the term of LastLogIndex
func (s *SimpleSnapshot) LastLogTerm() uint64 { return s.Term }

// MarshalBinary encodes the data followed by index and term
func (s *SimpleSnapshot) MarshalBinary() ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := writeChunk(buffer, s.Data); err != nil {
		return nil, err
	}
	if err := writeIndexAndTerm(buffer, s.Index, s.Term); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes data built by MarshalBinary
func (s *SimpleSnapshot) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if s.Data, err = readChunk(r); err != nil {
		return err
	}
	s.Index, s.Term, err = readIndexAndTerm(r)
	return err
}

// NewPartitionedSnapshot returns an empty partitioned snapshot
func NewPartitionedSnapshot(index, term uint64) *PartitionedSnapshot {
	return &PartitionedSnapshot{Slots: make(map[int][]byte), Index: index, Term: term}
}

// Kind returns SnapshotPartitioned
func (s *PartitionedSnapshot) Kind() SnapshotKind { return SnapshotPartitioned }

// LastLogIndex is the last index included in the snapshot
func (s *PartitionedSnapshot) LastLogIndex() uint64 { return s.Index }

// LastLogTerm is the term of LastLogIndex
func (s *PartitionedSnapshot) LastLogTerm() uint64 { return s.Term }

// MarshalBinary encodes the snapshot in big endian:
// the slot count, then for each slot its id, length and data,
// then the last log index and term
func (s *PartitionedSnapshot) MarshalBinary() ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, int32(len(s.Slots))); err != nil {
		return nil, err
	}
	for _, slot := range slices.Sorted(maps.Keys(s.Slots)) {
		if err := binary.Write(buffer, binary.BigEndian, int32(slot)); err != nil {
			return nil, err
		}
		if err := writeChunk(buffer, s.Slots[slot]); err != nil {
			return nil, err
		}
	}
	if err := writeIndexAndTerm(buffer, s.Index, s.Term); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes data built by MarshalBinary
func (s *PartitionedSnapshot) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("invalid slot count %d", count)
	}

	s.Slots = make(map[int][]byte, count)
	for range count {
		var slot int32
		if err := binary.Read(r, binary.BigEndian, &slot); err != nil {
			return err
		}
		chunk, err := readChunk(r)
		if err != nil {
			return err
		}
		s.Slots[int(slot)] = chunk
	}

	var err error
	s.Index, s.Term, err = readIndexAndTerm(r)
	return err
}

// EncodeSnapshot prefixes the snapshot body with its kind
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	body, err := snapshot.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(snapshot.Kind())}, body...), nil
}

// DecodeSnapshot decodes a snapshot built by EncodeSnapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return nil, ErrSnapshotNotFound
	}

	switch SnapshotKind(data[0]) {
	case SnapshotSimple:
		snapshot := &SimpleSnapshot{}
		if err := snapshot.UnmarshalBinary(data[1:]); err != nil {
			return nil, fmt.Errorf("fail to decode simple snapshot: %w", err)
		}
		return snapshot, nil
	case SnapshotPartitioned:
		snapshot := &PartitionedSnapshot{}
		if err := snapshot.UnmarshalBinary(data[1:]); err != nil {
			return nil, fmt.Errorf("fail to decode partitioned snapshot: %w", err)
		}
		return snapshot, nil
	}
	return nil, fmt.Errorf("unknown snapshot kind %d", data[0])
}

func writeChunk(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readChunk(r *bytes.Reader) ([]byte, error) {
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 || int64(length) > int64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeIndexAndTerm(w io.Writer, index, term uint64) error {
	if err := binary.Write(w, binary.BigEndian, int64(index)); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, int64(term))
}

func readIndexAndTerm(r *bytes.Reader) (uint64, uint64, error) {
	var index, term int64
	if err := binary.Read(r, binary.BigEndian, &index); err != nil {
		return 0, 0, err
	}
	if err := binary.Read(r, binary.BigEndian, &term); err != nil {
		return 0, 0, err
	}
	return uint64(index), uint64(term), nil
}
