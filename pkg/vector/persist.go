package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// On-disk layouts.
//
// vector_meta per-vector record:
//
//	flags(1)      bit0 = tombstone
//	level(2)      big-endian
//	label_hash(4) big-endian
//	dim(4)        big-endian
//	vec           dim * float32, little-endian
//	props         codec body
//
// The all-zero id slot in vector_meta holds the index header instead:
// dim(4), max_level(2), entry(16). NewID never allocates the zero id, so
// the slot cannot collide with a real vector.
//
// vector_hnsw rows hold the packed 16-byte neighbor ids for one
// (layer, vector) pair.

const metaFlagTombstone byte = 0x01

func encodeMeta(nd *node, props codec.Properties) ([]byte, error) {
	buf := make([]byte, 0, 1+2+4+4+len(nd.vec)*4)
	var flags byte
	if nd.deleted {
		flags |= metaFlagTombstone
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(nd.level))
	buf = binary.BigEndian.AppendUint32(buf, nd.labelHash)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(nd.vec)))
	for _, f := range nd.vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	body, err := codec.EncodeBody(props)
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

func decodeMeta(blob []byte) (*node, codec.Properties, error) {
	if len(blob) < 1+2+4+4 {
		return nil, nil, fmt.Errorf("%w: vector meta record too short", storage.ErrStorageFault)
	}
	nd := &node{}
	nd.deleted = blob[0]&metaFlagTombstone != 0
	nd.level = int(binary.BigEndian.Uint16(blob[1:3]))
	nd.labelHash = binary.BigEndian.Uint32(blob[3:7])
	dim := int(binary.BigEndian.Uint32(blob[7:11]))
	blob = blob[11:]
	if len(blob) < dim*4 {
		return nil, nil, fmt.Errorf("%w: vector meta record truncated", storage.ErrStorageFault)
	}
	nd.vec = make([]float32, dim)
	for i := 0; i < dim; i++ {
		nd.vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4 : i*4+4]))
	}
	props, err := codec.DecodeBody(blob[dim*4:])
	if err != nil {
		return nil, nil, err
	}
	nd.neighbors = make([][]storage.ID, nd.level+1)
	return nd, props, nil
}

func (ix *Index) encodeHeader() []byte {
	buf := make([]byte, 0, 4+2+16)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ix.dims))
	buf = binary.BigEndian.AppendUint16(buf, uint16(ix.maxLevel))
	return append(buf, ix.entry[:]...)
}

func packNeighbors(ids []storage.ID) []byte {
	buf := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

func unpackNeighbors(blob []byte) ([]storage.ID, error) {
	if len(blob)%16 != 0 {
		return nil, fmt.Errorf("%w: neighbor row not a multiple of 16 bytes", storage.ErrStorageFault)
	}
	ids := make([]storage.ID, len(blob)/16)
	for i := range ids {
		copy(ids[i][:], blob[i*16:i*16+16])
	}
	return ids, nil
}

// persist mirrors a completed insert into storage: the new vector's meta
// record, the neighbor rows of every node whose adjacency changed, and the
// index header. Caller holds the index write lock.
func (ix *Index) persist(nd *node, props codec.Properties, dirty map[storage.ID]*node) error {
	if ix.eng == nil {
		return nil
	}
	meta, err := encodeMeta(nd, props)
	if err != nil {
		return err
	}
	return ix.eng.Update(func(txn *badger.Txn) error {
		if err := storage.SetValue(txn, storage.VectorMetaKey(nd.id), meta); err != nil {
			return err
		}
		for _, d := range dirty {
			for l := 0; l <= d.level; l++ {
				key := storage.VectorHNSWKey(uint16(l), d.id)
				if err := storage.SetValue(txn, key, packNeighbors(d.neighbors[l])); err != nil {
					return err
				}
			}
		}
		return storage.SetValue(txn, storage.VectorMetaKey(storage.ZeroID), ix.encodeHeader())
	})
}

// persistTombstone rewrites a vector's meta record with the tombstone flag
// set and refreshes the index header. Neighbor rows are untouched; the
// links keep routing until compaction. Caller holds the index write lock.
func (ix *Index) persistTombstone(nd *node) error {
	if ix.eng == nil {
		return nil
	}
	return ix.eng.Update(func(txn *badger.Txn) error {
		blob, err := storage.GetValue(txn, storage.VectorMetaKey(nd.id))
		if err != nil {
			return err
		}
		blob[0] |= metaFlagTombstone
		if err := storage.SetValue(txn, storage.VectorMetaKey(nd.id), blob); err != nil {
			return err
		}
		return storage.SetValue(txn, storage.VectorMetaKey(storage.ZeroID), ix.encodeHeader())
	})
}

// Meta reads the stored property payload of a vector.
func (ix *Index) Meta(id storage.ID) (codec.Properties, error) {
	if ix.eng == nil {
		return nil, storage.ErrNotFound
	}
	var props codec.Properties
	err := ix.eng.View(func(txn *badger.Txn) error {
		blob, err := storage.GetValue(txn, storage.VectorMetaKey(id))
		if err != nil {
			return err
		}
		_, props, err = decodeMeta(blob)
		return err
	})
	return props, err
}

// Load rebuilds the index from the vector_meta and vector_hnsw tables.
// An empty store yields an empty index ready for writes.
func Load(eng *storage.Engine, dims int, opts Options) (*Index, error) {
	ix := New(eng, dims, opts)

	err := eng.View(func(txn *badger.Txn) error {
		var header []byte
		err := storage.ScanPrefix(txn, []byte{storage.TableVectorMeta}, func(key, value []byte) (bool, error) {
			id, err := storage.IDFromBytes(key[1:])
			if err != nil {
				return false, err
			}
			if id.IsZero() {
				header = append([]byte(nil), value...)
				return true, nil
			}
			nd, _, err := decodeMeta(value)
			if err != nil {
				return false, fmt.Errorf("vector %s: %w", id, err)
			}
			nd.id = id
			if len(nd.vec) != dims {
				return false, fmt.Errorf("%w: vector %s has %d dims, index expects %d",
					storage.ErrInvalidArgument, id, len(nd.vec), dims)
			}
			ix.nodes[id] = nd
			return true, nil
		})
		if err != nil {
			return err
		}

		err = storage.ScanPrefix(txn, []byte{storage.TableVectorHNSW}, func(key, value []byte) (bool, error) {
			if len(key) != 1+2+16 {
				return false, fmt.Errorf("%w: malformed hnsw key", storage.ErrStorageFault)
			}
			layer := int(binary.BigEndian.Uint16(key[1:3]))
			id, err := storage.IDFromBytes(key[3:])
			if err != nil {
				return false, err
			}
			nd, ok := ix.nodes[id]
			if !ok || layer > nd.level {
				// Row for a vector compacted away; ignored, purged by gc.
				return true, nil
			}
			nd.neighbors[layer], err = unpackNeighbors(value)
			return true, err
		})
		if err != nil {
			return err
		}

		if len(header) == 4+2+16 {
			ix.maxLevel = int(binary.BigEndian.Uint16(header[4:6]))
			copy(ix.entry[:], header[6:22])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Drop dangling neighbor references and recover the entry point if the
	// header was missing or points at a tombstone.
	for _, nd := range ix.nodes {
		for l := range nd.neighbors {
			kept := nd.neighbors[l][:0]
			for _, nid := range nd.neighbors[l] {
				if _, ok := ix.nodes[nid]; ok {
					kept = append(kept, nid)
				}
			}
			nd.neighbors[l] = kept
		}
	}
	if ep, ok := ix.nodes[ix.entry]; !ok || ep.deleted {
		ix.reselectEntry()
	}
	return ix, nil
}
