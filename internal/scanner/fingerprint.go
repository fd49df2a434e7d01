package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/communitymedia/captiond/internal/model"
)

// Fingerprint derives the stable content-addressing key for a recording:
// sha256 over volume id, absolute path, mtime (ns) and size, separated by
// NUL. It survives restarts and changes whenever the file is replaced,
// moved or truncated.
func Fingerprint(r model.Recording) string {
	h := sha256.New()
	h.Write([]byte(r.VolumeID))
	h.Write([]byte{0})
	h.Write([]byte(r.AbsolutePath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(r.ModTime.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(r.SizeBytes, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
