// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotCryptoCtx = "inningbook-raft-snapshot"

// sealedSnapshotStore encrypts snapshots written by the inner store with the
// storage master key. Open returns plaintext, so followers receive the
// decrypted stream and seal it with their own key.
type sealedSnapshotStore struct {
	inner raft.SnapshotStore
	key   crypto.EncryptionKey
}

// newSnapshotStore returns inner unchanged when there is no key.
func newSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) raft.SnapshotStore {
	if key == nil {
		return inner
	}
	return &sealedSnapshotStore{inner: inner, key: key}
}

func (s *sealedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := s.inner.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := s.key.StartWriter([]byte(snapshotCryptoCtx), sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &sealedSink{SnapshotSink: sink, w: w}, nil
}

func (s *sealedSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return s.inner.List()
}

func (s *sealedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := s.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.key.StartReader([]byte(snapshotCryptoCtx), rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &unsealedReader{r: r, file: rc}, nil
}

// sealedSink encrypts writes to the embedded sink.
type sealedSink struct {
	raft.SnapshotSink
	w         crypto.StreamWriter
	cancelled bool
}

func (s *sealedSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes the last encrypted chunk before committing the snapshot.
func (s *sealedSink) Close() error {
	if s.cancelled {
		return nil
	}
	if err := s.w.Close(); err != nil {
		s.SnapshotSink.Cancel()
		return err
	}
	return s.SnapshotSink.Close()
}

// Cancel discards the snapshot. The stream writer is not closed because
// closing it closes and commits the inner sink.
func (s *sealedSink) Cancel() error {
	s.cancelled = true
	return s.SnapshotSink.Cancel()
}

type unsealedReader struct {
	r    crypto.StreamReader
	file io.ReadCloser
}

func (u *unsealedReader) Read(p []byte) (int, error) {
	return u.r.Read(p)
}

func (u *unsealedReader) Close() error {
	u.r.Close()
	return u.file.Close()
}
