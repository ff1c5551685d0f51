package tokenstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	recordFormatVersionCurrent = 1
)

// Encode serializes r into the versioned binary record layout:
//
//	version u8 | token len u16 | token | user len u8 | user | iat i64 | exp i64
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	if r.AccessToken == "" {
		return nil, errors.New("access token required")
	}
	if len(r.AccessToken) > math.MaxUint16 {
		return nil, errors.New("access token too long")
	}
	if len(r.UserID) > math.MaxUint8 {
		return nil, errors.New("userID too long")
	}

	var buf bytes.Buffer
	buf.Grow(1 + 2 + len(r.AccessToken) + 1 + len(r.UserID) + 16)

	buf.WriteByte(recordFormatVersionCurrent)

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(r.AccessToken))); err != nil {
		return nil, err
	}
	buf.WriteString(r.AccessToken)

	buf.WriteByte(byte(len(r.UserID)))
	buf.WriteString(r.UserID)

	if err := binary.Write(&buf, binary.BigEndian, r.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Every failure wraps ErrCorrupt.
func Decode(data []byte) (*Record, error) {
	r, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return r, nil
}

func decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersionCurrent {
		return nil, fmt.Errorf("unsupported record version %d", version)
	}

	r := &Record{}

	var tokenLen uint16
	if err := binary.Read(reader, binary.BigEndian, &tokenLen); err != nil {
		return nil, err
	}
	if tokenLen == 0 {
		return nil, errors.New("empty access token")
	}
	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(reader, token); err != nil {
		return nil, err
	}
	r.AccessToken = string(token)

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	r.UserID = string(user)

	if err := binary.Read(reader, binary.BigEndian, &r.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &r.ExpiresAt); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes")
	}

	return r, nil
}
