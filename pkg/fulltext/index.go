// Package fulltext implements the persistent BM25 index.
//
// Postings live in storage rather than memory: one row per (term, doc)
// holding the term frequency, a document-frequency row per term, a length
// row per document, and a singleton corpus record (doc count, total
// length). The doc length row also carries the document's distinct term
// hashes so removal can find its postings without a full table walk.
//
// Scoring is Okapi BM25 with the Lucene IDF variant
// log(1 + (N - df + 0.5) / (df + 0.5)), which stays non-negative for
// terms present in most of the corpus.
package fulltext

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/helixgraph/pkg/codec"
	"github.com/orneryd/helixgraph/pkg/storage"
)

// Options holds the BM25 parameters.
type Options struct {
	K1 float64 // term frequency saturation
	B  float64 // length normalization
}

// DefaultOptions returns the standard BM25 parameters.
func DefaultOptions() Options {
	return Options{K1: 1.2, B: 0.75}
}

// Filter is a candidate predicate evaluated before score accumulation.
type Filter func(id storage.ID) bool

// Result is one scored search hit, descending score order.
type Result struct {
	ID    storage.ID
	Score float64
}

// Index is the BM25 layer over the storage kernel.
type Index struct {
	eng  *storage.Engine
	opts Options
}

// NewIndex builds a BM25 index over eng.
func NewIndex(eng *storage.Engine, opts Options) *Index {
	if opts.K1 == 0 {
		opts = DefaultOptions()
	}
	return &Index{eng: eng, opts: opts}
}

// IndexDoc tokenizes text and writes the document's postings, replacing
// any previous postings for the same id. Empty token sets unindex the
// document.
func (ix *Index) IndexDoc(id storage.ID, text string) error {
	tokens := Tokenize(text)
	return ix.eng.Update(func(txn *badger.Txn) error {
		if err := removeDocTx(txn, id); err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}

		freqs := make(map[uint64]uint32)
		for _, tok := range tokens {
			freqs[storage.TermHash(tok)]++
		}

		hashes := make([]uint64, 0, len(freqs))
		for th, f := range freqs {
			if err := storage.SetValue(txn, storage.PostingKey(th, id), u32Bytes(f)); err != nil {
				return err
			}
			if err := addToDF(txn, th, 1); err != nil {
				return err
			}
			hashes = append(hashes, th)
		}
		sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

		lenRow := make([]byte, 0, 4+len(hashes)*8)
		lenRow = binary.BigEndian.AppendUint32(lenRow, uint32(len(tokens)))
		for _, th := range hashes {
			lenRow = binary.BigEndian.AppendUint64(lenRow, th)
		}
		if err := storage.SetValue(txn, storage.DocLenKey(id), lenRow); err != nil {
			return err
		}
		return adjustCorpus(txn, 1, int64(len(tokens)))
	})
}

// RemoveDoc deletes every posting of a document. Removing an unindexed
// document is a no-op.
func (ix *Index) RemoveDoc(id storage.ID) error {
	return ix.eng.Update(func(txn *badger.Txn) error {
		return removeDocTx(txn, id)
	})
}

// DocCount returns the number of indexed documents.
func (ix *Index) DocCount() (uint64, error) {
	var n uint64
	err := ix.eng.View(func(txn *badger.Txn) error {
		docs, _, err := readCorpus(txn)
		n = docs
		return err
	})
	return n, err
}

// Search scores the documents matching queryText and returns the top
// limit by BM25, descending. label, when non-empty, restricts hits to
// nodes carrying that label; the check reads only the 4-byte label header
// of the node record. prefilter, when set, is consulted once per document
// before any score accumulates for it.
func (ix *Index) Search(ctx context.Context, queryText, label string, limit int, prefilter Filter) ([]Result, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidArgument)
	}
	terms := Tokenize(queryText)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	var labelHash uint32
	hasLabel := label != ""
	if hasLabel {
		labelHash = storage.LabelHash(label)
	}

	var results []Result
	err := ix.eng.View(func(txn *badger.Txn) error {
		docCount, totalLen, err := readCorpus(txn)
		if err != nil {
			return err
		}
		if docCount == 0 {
			return nil
		}
		avgdl := float64(totalLen) / float64(docCount)

		// admitted memoizes the prefilter and label decisions per doc so
		// each candidate is judged once, before its first accumulation.
		admitted := make(map[storage.ID]bool)
		admit := func(doc storage.ID) (bool, error) {
			if ok, seen := admitted[doc]; seen {
				return ok, nil
			}
			if prefilter != nil && !prefilter(doc) {
				admitted[doc] = false
				return false, nil
			}
			if hasLabel {
				lh, err := nodeLabelHash(txn, doc)
				if err != nil || lh != labelHash {
					admitted[doc] = false
					return false, nil
				}
			}
			admitted[doc] = true
			return true, nil
		}

		scores := make(map[storage.ID]float64)
		seen := make(map[uint64]bool, len(terms))
		for _, term := range terms {
			if err := ctx.Err(); err != nil {
				return storage.ErrCancelled
			}
			th := storage.TermHash(term)
			if seen[th] {
				continue
			}
			seen[th] = true

			df, err := readDF(txn, th)
			if err != nil {
				return err
			}
			if df == 0 {
				continue
			}
			idf := math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))
			if idf < 0 {
				idf = 0
			}

			err = storage.ScanPrefix(txn, storage.PostingPrefix(th), func(key, value []byte) (bool, error) {
				doc, ok := storage.UnpackPostingDoc(key)
				if !ok {
					return false, fmt.Errorf("%w: malformed posting key", storage.ErrStorageFault)
				}
				ok, err := admit(doc)
				if err != nil {
					return false, err
				}
				if !ok {
					return true, nil
				}
				if len(value) != 4 {
					return false, fmt.Errorf("%w: malformed posting row", storage.ErrStorageFault)
				}
				tf := float64(binary.BigEndian.Uint32(value))
				dl, err := readDocLen(txn, doc)
				if err != nil {
					return false, err
				}
				denom := tf + ix.opts.K1*(1-ix.opts.B+ix.opts.B*(float64(dl)/avgdl))
				scores[doc] += idf * (tf * (ix.opts.K1 + 1)) / denom
				return true, nil
			})
			if err != nil {
				return err
			}
		}

		results = make([]Result, 0, len(scores))
		for doc, score := range scores {
			results = append(results, Result{ID: doc, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID.Less(results[j].ID)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Tokenize lowercases text, splits on non-alphanumeric runes, and drops
// tokens of two characters or fewer.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	tokens := words[:0]
	for _, w := range words {
		if len(w) > 2 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

func removeDocTx(txn *badger.Txn, id storage.ID) error {
	row, err := storage.GetValue(txn, storage.DocLenKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(row) < 4 || (len(row)-4)%8 != 0 {
		return fmt.Errorf("%w: malformed doc length row", storage.ErrStorageFault)
	}
	docLen := binary.BigEndian.Uint32(row[:4])
	for off := 4; off < len(row); off += 8 {
		th := binary.BigEndian.Uint64(row[off : off+8])
		if err := storage.DeleteKey(txn, storage.PostingKey(th, id)); err != nil {
			return err
		}
		if err := addToDF(txn, th, -1); err != nil {
			return err
		}
	}
	if err := storage.DeleteKey(txn, storage.DocLenKey(id)); err != nil {
		return err
	}
	return adjustCorpus(txn, -1, -int64(docLen))
}

func nodeLabelHash(txn *badger.Txn, id storage.ID) (uint32, error) {
	blob, err := storage.GetValue(txn, storage.NodeKey(id))
	if err != nil {
		return 0, err
	}
	return codec.ReadLabelHash(blob)
}

func readDF(txn *badger.Txn, termHash uint64) (uint32, error) {
	raw, err := storage.GetValue(txn, storage.TermDFKey(termHash))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("%w: malformed df row", storage.ErrStorageFault)
	}
	return binary.BigEndian.Uint32(raw), nil
}

func addToDF(txn *badger.Txn, termHash uint64, delta int32) error {
	df, err := readDF(txn, termHash)
	if err != nil {
		return err
	}
	next := int64(df) + int64(delta)
	if next <= 0 {
		return storage.DeleteKey(txn, storage.TermDFKey(termHash))
	}
	return storage.SetValue(txn, storage.TermDFKey(termHash), u32Bytes(uint32(next)))
}

func readDocLen(txn *badger.Txn, id storage.ID) (uint32, error) {
	raw, err := storage.GetValue(txn, storage.DocLenKey(id))
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("%w: malformed doc length row", storage.ErrStorageFault)
	}
	return binary.BigEndian.Uint32(raw[:4]), nil
}

func readCorpus(txn *badger.Txn) (docCount uint64, totalLen uint64, err error) {
	raw, err := storage.GetValue(txn, storage.BM25MetaKey())
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(raw) != 16 {
		return 0, 0, fmt.Errorf("%w: malformed corpus record", storage.ErrStorageFault)
	}
	return binary.BigEndian.Uint64(raw[:8]), binary.BigEndian.Uint64(raw[8:]), nil
}

func adjustCorpus(txn *badger.Txn, docDelta, lenDelta int64) error {
	docs, total, err := readCorpus(txn)
	if err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(int64(docs)+docDelta))
	binary.BigEndian.PutUint64(buf[8:], uint64(int64(total)+lenDelta))
	return storage.SetValue(txn, storage.BM25MetaKey(), buf)
}

func u32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
