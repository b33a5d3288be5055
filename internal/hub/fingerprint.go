package hub

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// timeBucket is the granularity broadcasts are grouped into for
// deduplication (§4.8: "timestamp bucket" — near-simultaneous emitters of
// the same event collapse to one fingerprint).
const timeBucket = time.Second

// fingerprint computes the content fingerprint of §4.8: type + run_id +
// key fields (the payload) + timestamp bucket.
func fingerprint(msgType, runID string, payload []byte, ts time.Time) string {
	bucket := ts.Truncate(timeBucket).Unix()
	h := sha256.New()
	h.Write([]byte(msgType))
	h.Write([]byte{0})
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(bucket))
	h.Write(tsBuf[:])
	return hex.EncodeToString(h.Sum(nil))
}
