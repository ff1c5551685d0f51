package password

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned for stored hashes that are not Argon2id PHC strings.
var ErrMalformedHash = errors.New("malformed password hash")

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p phc) String() string {
	return "$" + algorithmID +
		"$v=" + strconv.Itoa(argon2.Version) +
		"$m=" + strconv.FormatUint(uint64(p.memory), 10) +
		",t=" + strconv.FormatUint(uint64(p.time), 10) +
		",p=" + strconv.FormatUint(uint64(p.parallelism), 10) +
		"$" + base64.RawStdEncoding.EncodeToString(p.salt) +
		"$" + base64.RawStdEncoding.EncodeToString(p.key)
}

func parsePHC(encoded string) (phc, error) {
	var out phc

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return out, ErrMalformedHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return out, errors.New("unsupported argon2 version")
	}
	if err := out.parseParams(parts[3]); err != nil {
		return out, err
	}

	var err error
	if out.salt, err = decodeSegment(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return out, ErrMalformedHash
	}
	if out.key, err = decodeSegment(parts[5]); err != nil || len(out.key) == 0 {
		return out, ErrMalformedHash
	}
	return out, nil
}

func (p *phc) parseParams(part string) error {
	seen := 0
	for _, pair := range strings.Split(part, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return ErrMalformedHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return ErrMalformedHash
		}
		switch key {
		case "m":
			if n < uint64(minMemoryKB) {
				return ErrMalformedHash
			}
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return ErrMalformedHash
			}
			p.parallelism = uint8(n)
		default:
			return ErrMalformedHash
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return ErrMalformedHash
	}
	return nil
}

// decodeSegment accepts both padded and unpadded base64.
func decodeSegment(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
