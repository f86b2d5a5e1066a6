// Package keycodec builds and parses the canonical big-endian composite keys
// used by the storage layer. Every integer field is stored big-endian so a
// byte-wise lexicographic comparison of two encoded keys equals a numeric
// comparison of their semantic tuples.
package keycodec

import (
	"encoding/binary"
	"fmt"
)

// signBit flips the sign bit of a two's-complement int64 so that encoding
// preserves numeric order for negative doc_ids too: after the flip, the
// big-endian byte pattern of any int64 sorts the same way the int64 itself
// would. Applying the flip twice is the identity, so decode uses it again.
const signBit = uint64(1) << 63

// Builder composes a key from typed fields via big-endian appends, mirroring
// the fluent key-builder used throughout the reference implementation's
// storage layer.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty key builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// PutUint64 appends a big-endian uint64.
func (b *Builder) PutUint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutUint32 appends a big-endian uint32.
func (b *Builder) PutUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutInt64 appends an int64 biased by its sign bit so the byte encoding
// sorts in numeric order, including across zero.
func (b *Builder) PutInt64(v int64) *Builder {
	return b.PutUint64(uint64(v) ^ signBit)
}

// PutByte appends a single byte.
func (b *Builder) PutByte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// Bytes returns the built key.
func (b *Builder) Bytes() []byte {
	return b.buf
}

const (
	tenantSize   = 8
	centroidSize = 4
	docIDSize    = 8
	tokenOrdSize = 4
)

// PostingKeyLen is the length of a posting key with a doc_id and token_ord.
const PostingKeyLen = tenantSize + centroidSize + docIDSize + tokenOrdSize

// ForwardKeyLen is the length of a forward/mapping/metadata key.
const ForwardKeyLen = tenantSize + docIDSize

// PostingKey identifies a single posting entry: one document token assigned
// to one centroid, under one tenant.
type PostingKey struct {
	Tenant   uint64
	Centroid uint32
	DocID    int64
	TokenOrd uint32
}

// Encode serializes the posting key as tenant::centroid::doc_id::token_ord.
func (k PostingKey) Encode() []byte {
	return NewBuilder().
		PutUint64(k.Tenant).
		PutUint32(k.Centroid).
		PutInt64(k.DocID).
		PutUint32(k.TokenOrd).
		Bytes()
}

// DecodePostingKey parses a full posting key produced by Encode.
func DecodePostingKey(key []byte) (PostingKey, error) {
	if len(key) != PostingKeyLen {
		return PostingKey{}, fmt.Errorf("keycodec: posting key has unexpected length %d, want %d", len(key), PostingKeyLen)
	}
	off := 0
	tenant := binary.BigEndian.Uint64(key[off:])
	off += tenantSize
	centroid := binary.BigEndian.Uint32(key[off:])
	off += centroidSize
	docID := int64(binary.BigEndian.Uint64(key[off:]) ^ signBit)
	off += docIDSize
	tokenOrd := binary.BigEndian.Uint32(key[off:])
	return PostingKey{Tenant: tenant, Centroid: centroid, DocID: docID, TokenOrd: tokenOrd}, nil
}

// PostingPrefix returns the tenant::centroid prefix shared by every posting
// entry under that (tenant, centroid) pair, usable directly as an iterator
// scan bound without allocating a placeholder doc_id or token_ord.
func PostingPrefix(tenant uint64, centroid uint32) []byte {
	return NewBuilder().PutUint64(tenant).PutUint32(centroid).Bytes()
}

// PostingDocPrefix returns the tenant::centroid::doc_id prefix, used when
// scanning only the tokens of one document within a centroid's list.
func PostingDocPrefix(tenant uint64, centroid uint32, docID int64) []byte {
	return NewBuilder().PutUint64(tenant).PutUint32(centroid).PutInt64(docID).Bytes()
}

// PrefixUpperBound returns the smallest key strictly greater than every key
// sharing the given prefix, i.e. the exclusive upper bound of a prefix scan.
// It returns (nil, false) if the prefix is all 0xff bytes (the unbounded
// case — callers should scan to the end of the partition instead).
func PrefixUpperBound(prefix []byte) ([]byte, bool) {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1], true
		}
	}
	return nil, false
}

// ForwardKey identifies the forward, mapping, and metadata records for one
// document. All three partitions share this key shape.
type ForwardKey struct {
	Tenant uint64
	DocID  int64
}

// Encode serializes the forward key as tenant::doc_id.
func (k ForwardKey) Encode() []byte {
	return NewBuilder().PutUint64(k.Tenant).PutInt64(k.DocID).Bytes()
}

// DecodeForwardKey parses a forward/mapping/metadata key.
func DecodeForwardKey(key []byte) (ForwardKey, error) {
	if len(key) != ForwardKeyLen {
		return ForwardKey{}, fmt.Errorf("keycodec: forward key has unexpected length %d, want %d", len(key), ForwardKeyLen)
	}
	tenant := binary.BigEndian.Uint64(key[:tenantSize])
	docID := int64(binary.BigEndian.Uint64(key[tenantSize:]) ^ signBit)
	return ForwardKey{Tenant: tenant, DocID: docID}, nil
}

// TenantPrefix returns the tenant-only prefix, usable to scan every forward
// record (or mapping, or metadata entry) belonging to one tenant.
func TenantPrefix(tenant uint64) []byte {
	return NewBuilder().PutUint64(tenant).Bytes()
}
