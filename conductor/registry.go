package conductor

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"

	"github.com/nimbusmq/mediadriver/ipc"
	"github.com/nimbusmq/mediadriver/network"
)

// pubEntry is one registered publication, IPC or network. netPub is set
// for a network publication and nil for an IPC one; base always points
// at the shared ipc.Publication lifecycle (the network one embeds it).
type pubEntry struct {
	sessionID      int32
	streamID       int32
	channel        string
	registrationID int64
	alias          string
	clientID       int64
	lingerNs       int64

	base   *ipc.Publication
	netPub *network.Publication
}

// imgEntry is one registered image (receive-side term reassembly for a
// single network publication seen by this subscriber).
type imgEntry struct {
	sessionID     int32
	streamID      int32
	channel       string
	correlationID int64
	alias         string
	clientID      int64
	destination   string

	img *network.Image
}

// registry keys publications and images by an xxhash-hashed
// (sessionId, streamId, channel) tuple rather than a concatenated
// string key, with a per-bucket slice resolving the rare collision by
// comparing the actual tuple (the tuple itself, not just its hash,
// remains authoritative).
type registry struct {
	pubBuckets map[uint64][]*pubEntry
	imgBuckets map[uint64][]*imgEntry

	pubByReg  map[int64]*pubEntry
	imgByCorr map[int64]*imgEntry
}

func newRegistry() *registry {
	return &registry{
		pubBuckets: make(map[uint64][]*pubEntry),
		imgBuckets: make(map[uint64][]*imgEntry),
		pubByReg:   make(map[int64]*pubEntry),
		imgByCorr:  make(map[int64]*imgEntry),
	}
}

func tupleHash(sessionID, streamID int32, channel string) uint64 {
	buf := make([]byte, 8+len(channel))
	binary.BigEndian.PutUint32(buf[0:], uint32(sessionID))
	binary.BigEndian.PutUint32(buf[4:], uint32(streamID))
	copy(buf[8:], channel)
	return xxhash.Checksum64(buf)
}

func (r *registry) addPublication(e *pubEntry) {
	key := tupleHash(e.sessionID, e.streamID, e.channel)
	r.pubBuckets[key] = append(r.pubBuckets[key], e)
	r.pubByReg[e.registrationID] = e
}

func (r *registry) findPublication(sessionID, streamID int32, channel string) *pubEntry {
	key := tupleHash(sessionID, streamID, channel)
	for _, e := range r.pubBuckets[key] {
		if e.sessionID == sessionID && e.streamID == streamID && e.channel == channel {
			return e
		}
	}
	return nil
}

func (r *registry) publicationByRegistration(registrationID int64) *pubEntry {
	return r.pubByReg[registrationID]
}

func (r *registry) removePublication(e *pubEntry) {
	key := tupleHash(e.sessionID, e.streamID, e.channel)
	bucket := r.pubBuckets[key]
	for i, x := range bucket {
		if x == e {
			r.pubBuckets[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(r.pubByReg, e.registrationID)
}

func (r *registry) allPublications() []*pubEntry {
	out := make([]*pubEntry, 0, len(r.pubByReg))
	for _, e := range r.pubByReg {
		out = append(out, e)
	}
	return out
}

func (r *registry) addImage(e *imgEntry) {
	key := tupleHash(e.sessionID, e.streamID, e.channel)
	r.imgBuckets[key] = append(r.imgBuckets[key], e)
	r.imgByCorr[e.correlationID] = e
}

func (r *registry) removeImage(e *imgEntry) {
	key := tupleHash(e.sessionID, e.streamID, e.channel)
	bucket := r.imgBuckets[key]
	for i, x := range bucket {
		if x == e {
			r.imgBuckets[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(r.imgByCorr, e.correlationID)
}

func (r *registry) imageByCorrelation(correlationID int64) *imgEntry {
	return r.imgByCorr[correlationID]
}

func (r *registry) allImages() []*imgEntry {
	out := make([]*imgEntry, 0, len(r.imgByCorr))
	for _, e := range r.imgByCorr {
		out = append(out, e)
	}
	return out
}
