package inspect

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Snapshots are encoded with sorted map keys and shortest-form integers so
// that equal snapshots produce equal bytes. Decoding rejects duplicate keys,
// which canonical input never contains.
var (
	snapshotEnc = sync.OnceValues(func() (cbor.EncMode, error) {
		return cbor.CanonicalEncOptions().EncMode()
	})
	snapshotDec = sync.OnceValues(func() (cbor.DecMode, error) {
		return cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	})
)

// Marshal encodes s as canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	em, err := snapshotEnc()
	if err != nil {
		return nil, fmt.Errorf("snapshot encoder: %w", err)
	}
	data, err := em.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a snapshot produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	dm, err := snapshotDec()
	if err != nil {
		return nil, fmt.Errorf("snapshot decoder: %w", err)
	}
	s := new(Snapshot)
	if err := dm.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
