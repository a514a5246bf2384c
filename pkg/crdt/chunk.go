package crdt

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/automerge/automerge-go"
	"github.com/klauspost/compress/flate"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidUpdate = errors.New("invalid update")

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument   = 0x00
	chunkChange     = 0x01
	chunkCompressed = 0x02

	// maxInflatedChange bounds a compressed change once inflated.
	maxInflatedChange = 64 << 20
)

// change is one change chunk of an update. The hash and dependencies come from the chunk header and body so that a
// change can be held back until everything it builds on has been applied.
type change struct {
	hash automerge.ChangeHash
	deps []automerge.ChangeHash
	raw  []byte
}

// decodeChanges splits an update into its change chunks and checks each checksum. Nothing is applied, so a malformed
// update is rejected as a whole.
func decodeChanges(update []byte) ([]change, error) {
	var out []change
	for len(update) > 0 {
		c, n, err := decodeChange(update)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrInvalidUpdate, len(out), err)
		}
		out = append(out, c)
		update = update[n:]
	}
	return out, nil
}

func decodeChange(raw []byte) (change, int, error) {
	if len(raw) < len(chunkMagic)+5 {
		return change{}, 0, errors.New("truncated header")
	}
	if !bytes.Equal(raw[:4], chunkMagic) {
		return change{}, 0, errors.New("bad magic bytes")
	}
	checksum := raw[4:8]
	typ := raw[8]
	length, n := protowire.ConsumeVarint(raw[9:])
	if n < 0 {
		return change{}, 0, fmt.Errorf("bad chunk length: %v", protowire.ParseError(n))
	}
	start := 9 + n
	if length > uint64(len(raw)-start) {
		return change{}, 0, fmt.Errorf("chunk of %d bytes but only %d remain", length, len(raw)-start)
	}
	end := start + int(length)
	body := raw[start:end]

	switch typ {
	case chunkChange:
	case chunkCompressed:
		inflated, err := io.ReadAll(io.LimitReader(flate.NewReader(bytes.NewReader(body)), maxInflatedChange+1))
		if err != nil {
			return change{}, 0, fmt.Errorf("failed to inflate change: %w", err)
		}
		if len(inflated) > maxInflatedChange {
			return change{}, 0, errors.New("inflated change is too large")
		}
		body = inflated
	case chunkDocument:
		return change{}, 0, errors.New("document chunks are not accepted as updates")
	default:
		return change{}, 0, fmt.Errorf("unknown chunk type %d", typ)
	}

	// the hash covers the uncompressed form: type, length and body
	hashed := append([]byte{chunkChange}, protowire.AppendVarint(nil, uint64(len(body)))...)
	hash := sha256.Sum256(append(hashed, body...))
	if !bytes.Equal(hash[:4], checksum) {
		return change{}, 0, errors.New("checksum mismatch")
	}

	deps, err := decodeDeps(body)
	if err != nil {
		return change{}, 0, err
	}
	return change{hash: automerge.ChangeHash(hash), deps: deps, raw: raw[:end]}, end, nil
}

func decodeDeps(body []byte) ([]automerge.ChangeHash, error) {
	count, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return nil, fmt.Errorf("bad dependency count: %v", protowire.ParseError(n))
	}
	body = body[n:]
	size := uint64(len(automerge.ChangeHash{}))
	if count > uint64(len(body))/size {
		return nil, fmt.Errorf("%d dependencies in %d bytes", count, len(body))
	}
	deps := make([]automerge.ChangeHash, count)
	for i := range deps {
		copy(deps[i][:], body[uint64(i)*size:])
	}
	return deps, nil
}
