package storage

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Table prefixes for key namespacing.
//
// Every key starts with a single table byte followed by a packed binary
// payload. All multi-byte integers in keys are big-endian so lexicographic
// iteration order matches numeric order.
//
// Key layouts:
//
//	nodes            0x01 | node_id(16)
//	edges            0x02 | edge_id(16)
//	out_edges        0x03 | from_id(16) | label_hash(4) | edge_id(16) | to_id(16)
//	in_edges         0x04 | to_id(16)   | label_hash(4) | edge_id(16) | from_id(16)
//	vector_meta      0x05 | vector_id(16)
//	vector_hnsw      0x06 | layer(2) | vector_id(16)
//	bm25_postings    0x07 | term_hash(8) | doc_id(16)
//	bm25_term_df     0x08 | term_hash(8)
//	bm25_doc_lengths 0x09 | doc_id(16)
//	bm25_meta        0x0A
//	ppr_cache        0x0B | cache_key(utf8)
//	ppr_deps         0x0C | entity_id(16) | cache_key(utf8)
//	unique_idx       0x0D | label_hash(4) | field(utf8) | 0x00 | value bytes
//	graph_meta       0x0E
//	secondary_idx    0x0F | label_hash(4) | field(utf8) | 0x00 | value bytes | node_id(16)
//
// Adjacency rows carry the neighbor tuple in the key and store no value, so
// one prefix seek over (table, node, label_hash) returns all same-label
// neighbors as a tightly packed key range.
const (
	TableNodes         byte = 0x01
	TableEdges         byte = 0x02
	TableOutEdges      byte = 0x03
	TableInEdges       byte = 0x04
	TableVectorMeta    byte = 0x05
	TableVectorHNSW    byte = 0x06
	TableBM25Postings  byte = 0x07
	TableBM25TermDF    byte = 0x08
	TableBM25DocLens   byte = 0x09
	TableBM25Meta      byte = 0x0A
	TablePPRCache      byte = 0x0B
	TablePPRDeps       byte = 0x0C
	TableUniqueIdx     byte = 0x0D
	TableGraphMeta     byte = 0x0E
	TableSecondaryIdx  byte = 0x0F
)

// LabelHash returns the deterministic 32-bit hash of a label string.
//
// Collisions are not detected; callers must keep labels distinct under this
// hash (xxhash64 truncated to its low 32 bits).
func LabelHash(label string) uint32 {
	return uint32(xxhash.Sum64String(label))
}

// TermHash returns the 64-bit hash of a fulltext term.
func TermHash(term string) uint64 {
	return xxhash.Sum64String(term)
}

// NodeKey returns the nodes-table key for id.
func NodeKey(id ID) []byte {
	return packIDKey(TableNodes, id)
}

// EdgeKey returns the edges-table key for id.
func EdgeKey(id ID) []byte {
	return packIDKey(TableEdges, id)
}

// VectorMetaKey returns the vector_meta-table key for id.
func VectorMetaKey(id ID) []byte {
	return packIDKey(TableVectorMeta, id)
}

// VectorHNSWKey returns the vector_hnsw-table key for a (layer, id) pair.
func VectorHNSWKey(layer uint16, id ID) []byte {
	k := make([]byte, 1+2+16)
	k[0] = TableVectorHNSW
	binary.BigEndian.PutUint16(k[1:3], layer)
	copy(k[3:], id[:])
	return k
}

// AdjKey builds a full adjacency row key. table must be TableOutEdges or
// TableInEdges; node is the anchoring endpoint for that direction.
func AdjKey(table byte, node ID, labelHash uint32, edge, other ID) []byte {
	k := make([]byte, 1+16+4+16+16)
	k[0] = table
	copy(k[1:17], node[:])
	binary.BigEndian.PutUint32(k[17:21], labelHash)
	copy(k[21:37], edge[:])
	copy(k[37:53], other[:])
	return k
}

// AdjPrefix builds the 21-byte seek prefix covering all neighbors of node
// under the given label hash.
func AdjPrefix(table byte, node ID, labelHash uint32) []byte {
	k := make([]byte, 1+16+4)
	k[0] = table
	copy(k[1:17], node[:])
	binary.BigEndian.PutUint32(k[17:21], labelHash)
	return k
}

// AdjNodePrefix builds the 17-byte seek prefix covering all adjacency rows
// of node regardless of label.
func AdjNodePrefix(table byte, node ID) []byte {
	k := make([]byte, 1+16)
	k[0] = table
	copy(k[1:17], node[:])
	return k
}

// UnpackAdjKey extracts the (edge_id, other_id) tuple from a full adjacency
// key produced by AdjKey.
func UnpackAdjKey(key []byte) (edge ID, other ID, ok bool) {
	if len(key) != 1+16+4+16+16 {
		return ZeroID, ZeroID, false
	}
	copy(edge[:], key[21:37])
	copy(other[:], key[37:53])
	return edge, other, true
}

// UnpackAdjLabelHash extracts the label hash from a full adjacency key.
func UnpackAdjLabelHash(key []byte) (uint32, bool) {
	if len(key) != 1+16+4+16+16 {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[17:21]), true
}

// PostingKey returns the bm25_postings key for (term, doc).
func PostingKey(termHash uint64, doc ID) []byte {
	k := make([]byte, 1+8+16)
	k[0] = TableBM25Postings
	binary.BigEndian.PutUint64(k[1:9], termHash)
	copy(k[9:], doc[:])
	return k
}

// PostingPrefix returns the seek prefix covering every posting of a term.
func PostingPrefix(termHash uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = TableBM25Postings
	binary.BigEndian.PutUint64(k[1:9], termHash)
	return k
}

// UnpackPostingDoc extracts the doc id from a bm25_postings key.
func UnpackPostingDoc(key []byte) (ID, bool) {
	if len(key) != 1+8+16 {
		return ZeroID, false
	}
	var id ID
	copy(id[:], key[9:25])
	return id, true
}

// TermDFKey returns the bm25_term_df key for a term.
func TermDFKey(termHash uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = TableBM25TermDF
	binary.BigEndian.PutUint64(k[1:9], termHash)
	return k
}

// DocLenKey returns the bm25_doc_lengths key for a document.
func DocLenKey(doc ID) []byte {
	return packIDKey(TableBM25DocLens, doc)
}

// BM25MetaKey returns the singleton bm25_meta key.
func BM25MetaKey() []byte {
	return []byte{TableBM25Meta}
}

// GraphMetaKey returns the singleton graph_meta key.
func GraphMetaKey() []byte {
	return []byte{TableGraphMeta}
}

// PPRCacheKey returns the ppr_cache key for a textual cache key.
func PPRCacheKey(cacheKey string) []byte {
	k := make([]byte, 1+len(cacheKey))
	k[0] = TablePPRCache
	copy(k[1:], cacheKey)
	return k
}

// PPRDepKey returns the ppr_deps key binding an entity to a cache key.
func PPRDepKey(entity ID, cacheKey string) []byte {
	k := make([]byte, 1+16+len(cacheKey))
	k[0] = TablePPRDeps
	copy(k[1:17], entity[:])
	copy(k[17:], cacheKey)
	return k
}

// PPRDepPrefix returns the seek prefix covering every cache key that
// depends on entity.
func PPRDepPrefix(entity ID) []byte {
	k := make([]byte, 1+16)
	k[0] = TablePPRDeps
	copy(k[1:17], entity[:])
	return k
}

// UnpackPPRDepCacheKey extracts the textual cache key from a ppr_deps key.
func UnpackPPRDepCacheKey(key []byte) (string, bool) {
	if len(key) <= 1+16 {
		return "", false
	}
	return string(key[17:]), true
}

// UniqueIdxKey returns the unique_idx key for (label, field, value).
// The field name is terminated with a zero byte so values cannot alias
// across field boundaries.
func UniqueIdxKey(labelHash uint32, field string, value []byte) []byte {
	k := make([]byte, 0, 1+4+len(field)+1+len(value))
	k = append(k, TableUniqueIdx)
	var lh [4]byte
	binary.BigEndian.PutUint32(lh[:], labelHash)
	k = append(k, lh[:]...)
	k = append(k, field...)
	k = append(k, 0x00)
	k = append(k, value...)
	return k
}

// SecondaryIdxKey returns the secondary_idx key for one (label, field,
// value, node) posting. Unlike unique_idx rows, many nodes may share a
// value, so the node id is part of the key and the row stores nothing.
func SecondaryIdxKey(labelHash uint32, field string, value []byte, node ID) []byte {
	k := append(SecondaryIdxPrefix(labelHash, field, value), node[:]...)
	return k
}

// SecondaryIdxPrefix returns the seek prefix covering every node indexed
// under (label, field, value). Values of differing length share a key
// prefix here, so scans must pair this with UnpackSecondaryIdxNode, which
// rejects rows belonging to longer values.
func SecondaryIdxPrefix(labelHash uint32, field string, value []byte) []byte {
	k := make([]byte, 0, 1+4+len(field)+1+len(value)+16)
	k = append(k, TableSecondaryIdx)
	var lh [4]byte
	binary.BigEndian.PutUint32(lh[:], labelHash)
	k = append(k, lh[:]...)
	k = append(k, field...)
	k = append(k, 0x00)
	k = append(k, value...)
	return k
}

// UnpackSecondaryIdxNode extracts the node id from a secondary_idx key
// found under prefix. Returns false for rows whose value bytes merely
// extend the scanned value.
func UnpackSecondaryIdxNode(prefix, key []byte) (ID, bool) {
	if len(key) != len(prefix)+16 {
		return ZeroID, false
	}
	var id ID
	copy(id[:], key[len(prefix):])
	return id, true
}

func packIDKey(table byte, id ID) []byte {
	k := make([]byte, 17)
	k[0] = table
	copy(k[1:], id[:])
	return k
}
