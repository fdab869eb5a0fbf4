package channel

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/ferrors"
)

// serialization format version prefix
var blobPrefix = []byte("HFC1\n")

// Record is the serializable topology of a channel: its name and the
// endpoints of its peers, orderers and event hubs. Endpoint credentials are
// not part of the blob; the client re-attaches them on restore.
type Record struct {
	Name      string       `json:"name"`
	Peers     []PeerRecord `json:"peers"`
	Orderers  []string     `json:"orderers"`
	EventHubs []string     `json:"event_hubs"`
}

type PeerRecord struct {
	URL   string    `json:"url"`
	Roles comm.Role `json:"roles"`
}

// Serialize captures the channel's observable topology as an opaque,
// versioned byte blob.
func (c *Channel) Serialize() ([]byte, error) {
	c.mu.RLock()
	rec := Record{Name: c.name}
	for _, p := range c.peers {
		rec.Peers = append(rec.Peers, PeerRecord{URL: p.URL(), Roles: p.Roles()})
	}
	for _, o := range c.orderers {
		rec.Orderers = append(rec.Orderers, o.URL())
	}
	for _, h := range c.hubs {
		rec.EventHubs = append(rec.EventHubs, h.URL())
	}
	c.mu.RUnlock()

	sort.Slice(rec.Peers, func(i, j int) bool { return rec.Peers[i].URL < rec.Peers[j].URL })
	sort.Strings(rec.Orderers)
	sort.Strings(rec.EventHubs)

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "serialize channel")
	}
	return append(append([]byte{}, blobPrefix...), body...), nil
}

// Deserialize decodes a blob produced by Serialize.
func Deserialize(blob []byte) (Record, error) {
	if !bytes.HasPrefix(blob, blobPrefix) {
		return Record{}, ferrors.New(ferrors.Argument, "unknown channel blob version")
	}
	var rec Record
	if err := json.Unmarshal(bytes.TrimPrefix(blob, blobPrefix), &rec); err != nil {
		return Record{}, ferrors.Wrap(ferrors.Argument, err, "deserialize channel")
	}
	if rec.Name == "" {
		return Record{}, ferrors.New(ferrors.Argument, "channel blob has no name")
	}
	return rec, nil
}
