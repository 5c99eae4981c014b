package system

import (
	"path/filepath"
	"testing"
)

func TestCheckAvailableSpaceMissingDir(t *testing.T) {
	d := t.TempDir()
	n, err := CheckAvailableSpace(filepath.Join(d, "not", "yet", "created"))
	if err != nil {
		t.Fatalf("CheckAvailableSpace: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected some free space in temp dir")
	}
}

func TestHasSufficientSpace(t *testing.T) {
	d := t.TempDir()
	ok, avail, err := HasSufficientSpace(d, 1)
	if err != nil || !ok || avail == 0 {
		t.Fatalf("ok=%v avail=%d err=%v", ok, avail, err)
	}
	ok, _, err = HasSufficientSpace(d, ^uint64(0)/2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected insufficient space for an absurd request")
	}
}
