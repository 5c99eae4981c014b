package util

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeFileName(t *testing.T) {
	cases := map[string]string{
		"foo/bar":                           "foo-bar",
		"foo\\bar":                          "foo-bar",
		"  spaced name  ":                   "spaced-name",
		"2058285?type=Archive&format=Other": "2058285-type-Archive-format-Other",
		"":                                  "download",
	}
	for in, want := range cases {
		got := SafeFileName(in)
		if got != want {
			t.Fatalf("SafeFileName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestUniquePath(t *testing.T) {
	d := t.TempDir()
	base := "ModelX - file.safetensors"
	p1, err := UniquePath(d, base, "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p1) != base {
		t.Fatalf("got %s want %s", filepath.Base(p1), base)
	}
	if err := os.WriteFile(p1, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p2, err := UniquePath(d, base, "12")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p2) != "ModelX - file (v12).safetensors" {
		t.Fatalf("unexpected p2: %s", filepath.Base(p2))
	}
	if err := os.WriteFile(p2, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p3, err := UniquePath(d, base, "12")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p3) != "ModelX - file (2).safetensors" {
		t.Fatalf("unexpected p3: %s", filepath.Base(p3))
	}
}

func TestURLPathBase(t *testing.T) {
	cases := map[string]string{
		"https://civitai.com/api/download/models/2058285?type=Archive&format=Other": "2058285",
		"https://example.com/path/to/file.bin?foo=bar":                              "file.bin",
		"https://example.com/":                                                      "download",
		"/just/a/path/name.txt":                                                     "name.txt",
	}
	for in, want := range cases {
		got := URLPathBase(in)
		if got != want {
			t.Fatalf("URLPathBase(%q)=%q want %q", in, got, want)
		}
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("/models/Lora", "/models/Lora/sdxl/a.safetensors") {
		t.Fatal("expected nested path to be within root")
	}
	if IsWithin("/models/Lora", "/models/Lora/../VAE/x") {
		t.Fatal("escape not detected")
	}
	if IsWithin("/models/Lora", "/models/LoraX/x") {
		t.Fatal("sibling prefix treated as nested")
	}
}

func TestHashFileSHA256(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := HashFileSHA256(p)
	if err != nil {
		t.Fatal(err)
	}
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Fatalf("hash=%s", got)
	}
	if !EqualSHA256(strings.ToUpper(want), " "+got) {
		t.Fatal("EqualSHA256 should ignore case and space")
	}
	if EqualSHA256("", "") {
		t.Fatal("empty digests must not compare equal")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := HashFileSHA256Context(ctx, p); err == nil {
		t.Fatal("expected cancellation error")
	}
}
