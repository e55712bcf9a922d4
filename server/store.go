package server

import (
	"encoding/binary"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key namespaces, one byte after the address payload.
const (
	messageNamespace = byte('m')
	digestNamespace  = byte('d')
	profileNamespace = byte('p')
)

// digestKeyLen is how much of the payload digest is kept in the message key.
// Enough to disambiguate messages sharing a timestamp.
const digestKeyLen = 4

var ErrNotFound = errors.New("not found")

// Store is the durable inbox store. Messages are keyed
// addr || 'm' || be64(timestamp) || digest[:4], so a range scan over one
// address returns messages in arrival order. A secondary digest index maps
// addr || 'd' || digest to the message timestamp.
type Store struct {
	db *leveldb.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

func messageKey(addr []byte, timestamp uint64, digest []byte) []byte {
	key := make([]byte, 0, len(addr)+1+8+digestKeyLen)
	key = append(key, addr...)
	key = append(key, messageNamespace)
	key = binary.BigEndian.AppendUint64(key, timestamp)
	return append(key, digest[:digestKeyLen]...)
}

func messagePrefix(addr []byte, timestamp uint64) []byte {
	key := make([]byte, 0, len(addr)+1+8)
	key = append(key, addr...)
	key = append(key, messageNamespace)
	return binary.BigEndian.AppendUint64(key, timestamp)
}

func digestKey(addr, digest []byte) []byte {
	key := make([]byte, 0, len(addr)+1+len(digest))
	key = append(key, addr...)
	key = append(key, digestNamespace)
	return append(key, digest...)
}

func profileKey(addr []byte) []byte {
	return append(append([]byte{}, addr...), profileNamespace)
}

// PushMessage appends a message to an inbox. The write and its digest index
// entry go in one batch; leveldb batches are atomic per key range, which is
// all the relay requires.
func (store *Store) PushMessage(addr []byte, timestamp uint64, digest, raw []byte) error {
	batch := new(leveldb.Batch)
	batch.Put(messageKey(addr, timestamp, digest), raw)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	batch.Put(digestKey(addr, digest), ts[:])

	return store.db.Write(batch, nil)
}

// MessageByDigest fetches a single stored message by its payload digest.
func (store *Store) MessageByDigest(addr, digest []byte) ([]byte, error) {
	rawTS, err := store.db.Get(digestKey(addr, digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	raw, err := store.db.Get(messageKey(addr, binary.BigEndian.Uint64(rawTS), digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return raw, err
}

// MessagesRange returns raw messages for an address between start
// (inclusive) and end (exclusive) timestamps, in arrival order. end of zero
// means no upper bound.
func (store *Store) MessagesRange(addr []byte, start, end uint64) ([][]byte, error) {
	slice := &util.Range{Start: messagePrefix(addr, start)}
	if end > 0 {
		slice.Limit = messagePrefix(addr, end)
	} else {
		// One past the message namespace for this address.
		limit := append(append([]byte{}, addr...), messageNamespace+1)
		slice.Limit = limit
	}

	iter := store.db.NewIterator(slice, nil)
	defer iter.Release()

	var raws [][]byte
	for iter.Next() {
		raw := make([]byte, len(iter.Value()))
		copy(raw, iter.Value())
		raws = append(raws, raw)
	}

	return raws, iter.Error()
}

func (store *Store) PutProfile(addr, blob []byte) error {
	return store.db.Put(profileKey(addr), blob, nil)
}

func (store *Store) GetProfile(addr []byte) ([]byte, error) {
	blob, err := store.db.Get(profileKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return blob, err
}
