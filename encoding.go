package slotty

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// marshalLogEntry encodes a log entry in binary format
func marshalLogEntry(entry *LogEntry, w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, entry.Term); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, entry.Index); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(entry.Payload))); err != nil {
		return err
	}

	if _, err := w.Write(entry.Payload); err != nil {
		return err
	}
	return nil
}

// unmarshalLogEntry decodes a log entry encoded by marshalLogEntry
func unmarshalLogEntry(data []byte) (*LogEntry, error) {
	var entry LogEntry
	buffer := bytes.NewBuffer(data)

	if err := binary.Read(buffer, binary.LittleEndian, &entry.Term); err != nil {
		return nil, err
	}

	if err := binary.Read(buffer, binary.LittleEndian, &entry.Index); err != nil {
		return nil, err
	}

	var payloadLen uint64
	if err := binary.Read(buffer, binary.LittleEndian, &payloadLen); err != nil {
		return nil, err
	}

	if payloadLen > uint64(buffer.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	entry.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(buffer, entry.Payload); err != nil {
		return nil, err
	}
	return &entry, nil
}

// appendChecksum returns body followed by its crc32 checksum
func appendChecksum(body []byte) []byte {
	out := make([]byte, len(body), len(body)+4)
	copy(out, body)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
}

// verifyChecksum validates the trailing checksum and returns the body
func verifyChecksum(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrChecksumDataTooShort
	}

	body := data[:len(data)-4]
	checksum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}

// encodeLogEntry encodes a log entry with its checksum before being written to disk
func encodeLogEntry(entry *LogEntry) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := marshalLogEntry(entry, buffer); err != nil {
		return nil, err
	}
	return appendChecksum(buffer.Bytes()), nil
}

// decodeLogEntry validates the checksum of data and decodes the log entry
func decodeLogEntry(data []byte) (*LogEntry, error) {
	body, err := verifyChecksum(data)
	if err != nil {
		return nil, err
	}
	return unmarshalLogEntry(body)
}

// marshalNode encodes a node in binary format
func marshalNode(node Node, w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(node.IP))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(node.IP)); err != nil {
		return err
	}
	for _, value := range []int32{int32(node.MetaPort), int32(node.DataPort), node.Identifier} {
		if err := binary.Write(w, binary.BigEndian, value); err != nil {
			return err
		}
	}
	return nil
}

// unmarshalNode decodes a node encoded by marshalNode
func unmarshalNode(r *bytes.Reader) (Node, error) {
	var node Node
	var ipLen uint32
	if err := binary.Read(r, binary.BigEndian, &ipLen); err != nil {
		return node, err
	}
	if int64(ipLen) > int64(r.Len()) {
		return node, io.ErrUnexpectedEOF
	}
	ip := make([]byte, ipLen)
	if _, err := io.ReadFull(r, ip); err != nil {
		return node, err
	}
	node.IP = string(ip)

	var metaPort, dataPort int32
	if err := binary.Read(r, binary.BigEndian, &metaPort); err != nil {
		return node, err
	}
	if err := binary.Read(r, binary.BigEndian, &dataPort); err != nil {
		return node, err
	}
	if err := binary.Read(r, binary.BigEndian, &node.Identifier); err != nil {
		return node, err
	}
	node.MetaPort = int(metaPort)
	node.DataPort = int(dataPort)
	return node, nil
}

// encodeSlotRecord encodes the persisted status of a slot
// followed by its checksum
func encodeSlotRecord(record slotRecord) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, int32(record.Slot)); err != nil {
		return nil, err
	}
	if err := buffer.WriteByte(byte(record.Status)); err != nil {
		return nil, err
	}

	if record.Source.IsZero() {
		if err := buffer.WriteByte(0); err != nil {
			return nil, err
		}
	} else {
		if err := buffer.WriteByte(1); err != nil {
			return nil, err
		}
		if err := marshalNode(record.Source, buffer); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(buffer, binary.BigEndian, uint32(record.Acks)); err != nil {
		return nil, err
	}
	return appendChecksum(buffer.Bytes()), nil
}

// decodeSlotRecord validates and decodes a record built by encodeSlotRecord
func decodeSlotRecord(data []byte) (slotRecord, error) {
	var record slotRecord
	body, err := verifyChecksum(data)
	if err != nil {
		return record, err
	}

	r := bytes.NewReader(body)
	var slot int32
	if err := binary.Read(r, binary.BigEndian, &slot); err != nil {
		return record, err
	}
	record.Slot = int(slot)

	status, err := r.ReadByte()
	if err != nil {
		return record, err
	}
	record.Status = SlotStatus(status)

	hasSource, err := r.ReadByte()
	if err != nil {
		return record, err
	}
	if hasSource == 1 {
		if record.Source, err = unmarshalNode(r); err != nil {
			return record, err
		}
	}

	// records written before the ack counter end here
	var acks uint32
	if err := binary.Read(r, binary.BigEndian, &acks); err != nil && err != io.EOF {
		return record, err
	}
	record.Acks = int(acks)
	return record, nil
}

// encodeDataCommand prefixes the payload with its slot
// so that every replica applies it to the right slot
func encodeDataCommand(slot int, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(slot))
	return append(out, payload...)
}

// decodeDataCommand decodes a payload built by encodeDataCommand
func decodeDataCommand(data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return int(int32(binary.BigEndian.Uint32(data[:4]))), data[4:], nil
}

// encodeUint64ToBytes permits to encode uint64 to bytes
func encodeUint64ToBytes(value uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return buf
}

// decodeUint64ToBytes permits to decode bytes to uint64
func decodeUint64ToBytes(value []byte) uint64 {
	return binary.BigEndian.Uint64(value)
}
