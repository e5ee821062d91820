package creds

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDirectoryIdempotently(t *testing.T) {
	store := NewStore(t.TempDir())

	for i := 0; i < 2; i++ {
		bundle, err := store.Load("123456")
		if err != nil {
			t.Fatalf("load #%d: %v", i+1, err)
		}
		if len(bundle) != 0 {
			t.Errorf("fresh bundle not empty: %v", bundle)
		}
	}

	info, err := os.Stat(store.Dir("123456"))
	if err != nil || !info.IsDir() {
		t.Fatalf("session directory missing: %v", err)
	}
}

func TestLoadFailsWhenRootIsAFile(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "sessions")
	if err := os.WriteFile(root, []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	store := NewStore(root)
	if _, err := store.Load("123456"); !errors.Is(err, ErrStorage) {
		t.Fatalf("Load = %v, want ErrStorage", err)
	}
}

func TestSaveMergesInOrder(t *testing.T) {
	store := NewStore(t.TempDir())

	updates := []Bundle{
		{"noiseKey": "aaa", "registered": false},
		{"registered": true},
		{"jid": "123@s.whatsapp.net"},
	}
	for i, u := range updates {
		if err := store.Save("123456", u); err != nil {
			t.Fatalf("save #%d: %v", i+1, err)
		}
	}

	bundle, err := store.ReadFinal("123456")
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if bundle["noiseKey"] != "aaa" {
		t.Errorf("noiseKey = %v, want aaa", bundle["noiseKey"])
	}
	if bundle["registered"] != true {
		t.Errorf("registered = %v, want true (later save must win)", bundle["registered"])
	}
	if bundle["jid"] != "123@s.whatsapp.net" {
		t.Errorf("jid = %v", bundle["jid"])
	}
}

func TestReadFinalWithoutSave(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.ReadFinal("123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFinal = %v, want ErrNotFound", err)
	}
}

func TestLoadReturnsPersistedBundle(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save("123456", Bundle{"jid": "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	bundle, err := store.Load("123456")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bundle["jid"] != "x" {
		t.Errorf("jid = %v, want x", bundle["jid"])
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save("123456", Bundle{"jid": "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete("123456"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(store.Dir("123456")); !os.IsNotExist(err) {
		t.Fatalf("session directory still present")
	}
	if _, err := store.ReadFinal("123456"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFinal after delete = %v, want ErrNotFound", err)
	}
}
