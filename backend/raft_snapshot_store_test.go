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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

func TestSealedSnapshotStore(t *testing.T) {
	tempDir := t.TempDir()
	fileStore, err := raft.NewFileSnapshotStore(tempDir, 1, io.Discard)
	if err != nil {
		t.Fatalf("Failed to create snapshot store: %v", err)
	}
	mk, err := crypto.CreateAESMasterKeyForTest()
	if err != nil {
		t.Fatal(err)
	}
	store := newSnapshotStore(fileStore, mk)
	if _, ok := store.(*sealedSnapshotStore); !ok {
		t.Fatalf("store is %T", store)
	}

	data := bytes.Repeat([]byte("box score "), 1000)
	sink, err := store.Create(raft.SnapshotVersion(1), 7, 2, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := sink.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	metas, err := store.List()
	if err != nil || len(metas) != 1 {
		t.Fatalf("List() = %v, %v", metas, err)
	}
	if metas[0].Index != 7 {
		t.Errorf("snapshot index = %d", metas[0].Index)
	}

	onDisk, err := os.ReadFile(filepath.Join(tempDir, "snapshots", metas[0].ID, "state.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(onDisk, []byte("box score")) {
		t.Error("snapshot was stored in plaintext")
	}

	_, rc, err := store.Open(metas[0].ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read %d bytes, want %d", len(got), len(data))
	}
}

func TestSealedSnapshotCancel(t *testing.T) {
	tempDir := t.TempDir()
	fileStore, err := raft.NewFileSnapshotStore(tempDir, 1, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	mk, _ := crypto.CreateAESMasterKeyForTest()
	store := newSnapshotStore(fileStore, mk)

	sink, err := store.Create(raft.SnapshotVersion(1), 1, 1, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink.Write([]byte("partial"))
	if err := sink.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close after Cancel failed: %v", err)
	}
	if metas, _ := store.List(); len(metas) != 0 {
		t.Errorf("cancelled snapshot is listed: %v", metas)
	}
	entries, err := os.ReadDir(filepath.Join(tempDir, "snapshots"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cancelled snapshot left %d entries on disk", len(entries))
	}
}

func TestSnapshotStoreWithoutKey(t *testing.T) {
	fileStore, err := raft.NewFileSnapshotStore(t.TempDir(), 1, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if store := newSnapshotStore(fileStore, nil); store != raft.SnapshotStore(fileStore) {
		t.Errorf("store without key should be the file store, got %T", store)
	}
}
