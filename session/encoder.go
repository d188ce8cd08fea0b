package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	recordFormatVersionCurrent = 1
	maxMethods                 = 16
)

// Encode serializes r as: version, user id (u8 length), method count (u8)
// and each method (u8 length), created at and expires at (int64 BE).
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordFormatVersionCurrent)

	if len(r.UserID) == 0 || len(r.UserID) > 255 {
		return nil, errors.New("userID length out of range")
	}
	buf.WriteByte(byte(len(r.UserID)))
	buf.WriteString(r.UserID)

	if len(r.Methods) > maxMethods {
		return nil, errors.New("too many auth methods")
	}
	buf.WriteByte(byte(len(r.Methods)))
	for _, m := range r.Methods {
		if len(m) > 255 {
			return nil, errors.New("auth method too long")
		}
		buf.WriteByte(byte(len(m)))
		buf.WriteString(m)
	}

	if err := binary.Write(&buf, binary.BigEndian, r.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.ExpiresAt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersionCurrent {
		return nil, fmt.Errorf("unsupported session record version %d", version)
	}

	r := &Record{}
	if r.UserID, err = readShortString(reader); err != nil {
		return nil, err
	}
	if r.UserID == "" {
		return nil, errors.New("empty userID")
	}

	n, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if n > maxMethods {
		return nil, errors.New("too many auth methods")
	}
	if n > 0 {
		r.Methods = make([]string, n)
		for i := range r.Methods {
			if r.Methods[i], err = readShortString(reader); err != nil {
				return nil, err
			}
		}
	}

	if err := binary.Read(reader, binary.BigEndian, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &r.ExpiresAt); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in session record")
	}
	return r, nil
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
