package conversation

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// digestKey separates conversation digests from any other BLAKE3 use.
// Changing it changes every digest and breaks de-duplication of old rows.
var digestKey = [32]byte{
	'c', 'o', 'n', 'v', 'o', 's', 'h', 'a', 'r', 'e', '.', 'd', 'i', 'g', 'e', 's',
	't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

type digestInput struct {
	Owner    string   `json:"owner"`
	Contents Contents `json:"contents"`
	Title    string   `json:"title"`
	Model    string   `json:"model"`
	SourceID string   `json:"source_id"`
	Length   int      `json:"length"`
}

// Digest fingerprints a conversation for de-duplication. Creation time is
// excluded, owner is included: identical uploads by one owner collide,
// uploads by different owners never do.
func Digest(owner string, c Contents, m Metadata) string {
	// marshalling plain strings and ints cannot fail
	b, _ := json.Marshal(digestInput{
		Owner:    owner,
		Contents: c,
		Title:    m.Title,
		Model:    m.Model,
		SourceID: m.SourceID,
		Length:   m.Length,
	})
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("conversation: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
