// Package storage persists execution profiles: which translation units ran
// and how often, so a later run can translate its hot code up front.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/exp/slices"
)

var profilePrefix = []byte("prof/")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ProfileRecord is the accumulated history of one unit key.
type ProfileRecord struct {
	PC    uint64 `cbor:"1,keyasint"`
	Flags uint32 `cbor:"2,keyasint"`
	Hits  uint64 `cbor:"3,keyasint"`
	Insns int    `cbor:"4,keyasint"`
	// Runs counts the sessions the unit was seen in.
	Runs uint32 `cbor:"5,keyasint"`
}

func profileKey(pc uint64, flags uint32) []byte {
	k := make([]byte, len(profilePrefix)+12)
	n := copy(k, profilePrefix)
	binary.BigEndian.PutUint32(k[n:], flags)
	binary.BigEndian.PutUint64(k[n+4:], pc)
	return k
}

// ProfileStore keeps ProfileRecords in a PersistenceStore.
type ProfileStore struct {
	ps *PersistenceStore
}

// OpenProfileStore opens the store at path; an empty path keeps it in memory.
func OpenProfileStore(path string) (*ProfileStore, error) {
	ps, err := NewPersistenceStore(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dbterrors.ErrProfile, err)
	}
	return &ProfileStore{ps: ps}, nil
}

func (s *ProfileStore) Close() error { return s.ps.Close() }

// Get returns the record for (pc, flags).
func (s *ProfileStore) Get(pc uint64, flags uint32) (ProfileRecord, bool, error) {
	data, ok, err := s.ps.Get(profileKey(pc, flags))
	if err != nil || !ok {
		return ProfileRecord{}, false, err
	}
	var r ProfileRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return ProfileRecord{}, false, fmt.Errorf("%w: decode %x: %v", dbterrors.ErrProfile, profileKey(pc, flags), err)
	}
	return r, true, nil
}

// Record merges one session's records into the store in a single batch: hits
// add up, Runs is bumped and Insns takes the latest value.
func (s *ProfileStore) Record(session []ProfileRecord) error {
	b := new(leveldb.Batch)
	for _, in := range session {
		r, _, err := s.Get(in.PC, in.Flags)
		if err != nil {
			return err
		}
		r.PC, r.Flags, r.Insns = in.PC, in.Flags, in.Insns
		r.Hits += in.Hits
		r.Runs++
		data, err := cborEncMode.Marshal(&r)
		if err != nil {
			return fmt.Errorf("%w: encode: %v", dbterrors.ErrProfile, err)
		}
		b.Put(profileKey(r.PC, r.Flags), data)
	}
	if err := s.ps.Write(b); err != nil {
		return fmt.Errorf("%w: %v", dbterrors.ErrProfile, err)
	}
	log.Debug(log.StorageMonitoring, "profile recorded", "units", len(session))
	return nil
}

// All returns every record in key order.
func (s *ProfileStore) All() ([]ProfileRecord, error) {
	kvs, err := s.ps.GetWithPrefix(profilePrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dbterrors.ErrProfile, err)
	}
	out := make([]ProfileRecord, 0, len(kvs))
	for _, kv := range kvs {
		var r ProfileRecord
		if err := cbor.Unmarshal(kv[1], &r); err != nil {
			return nil, fmt.Errorf("%w: decode %x: %v", dbterrors.ErrProfile, kv[0], err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Hot returns up to n records with the most hits, hottest first. n <= 0 means all.
func (s *ProfileStore) Hot(n int) ([]ProfileRecord, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(all, func(a, b ProfileRecord) int {
		switch {
		case a.Hits > b.Hits:
			return -1
		case a.Hits < b.Hits:
			return 1
		}
		return 0
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Reset drops every record.
func (s *ProfileStore) Reset() error {
	n, err := s.ps.DeletePrefix(profilePrefix)
	if err != nil {
		return fmt.Errorf("%w: %v", dbterrors.ErrProfile, err)
	}
	log.Info(log.StorageMonitoring, "profile reset", "records", n)
	return nil
}
