package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func newStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), "https://sign.example.com/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestStore_ContentAddressed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Store(ctx, bytes.NewReader(samplePDF), "nda.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	b, err := s.Store(ctx, bytes.NewReader(samplePDF), "copy.PDF", "application/pdf")
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	if a.StoredName != b.StoredName {
		t.Fatalf("same content stored under %s and %s", a.StoredName, b.StoredName)
	}
	if !strings.HasSuffix(a.StoredName, ".pdf") || len(a.StoredName) != 36 {
		t.Fatalf("unexpected stored name %q", a.StoredName)
	}
	if a.PublicURL != "https://sign.example.com/files/"+a.StoredName {
		t.Fatalf("unexpected public url %q", a.PublicURL)
	}
	if a.Size != int64(len(samplePDF)) {
		t.Fatalf("unexpected size %d", a.Size)
	}

	other, _ := s.Store(ctx, strings.NewReader("<p>hi</p>"), "doc", "text/html; charset=utf-8")
	if other.StoredName == a.StoredName || !strings.HasSuffix(other.StoredName, ".html") {
		t.Fatalf("unexpected name for html blob %q", other.StoredName)
	}
}

func TestReceiveUpload_Constraints(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	pdfOnly := Constraints{ContentType: "application/pdf", MaxBytes: 1024}

	cases := []struct {
		name     string
		body     []byte
		declared string
		c        Constraints
		want     error
	}{
		{"wrong declared type", samplePDF, "image/png", pdfOnly, ErrUnsupportedType},
		{"content is not pdf", []byte("just text, honestly"), "application/pdf", pdfOnly, ErrUnsupportedType},
		{"too large", append(append([]byte{}, samplePDF...), bytes.Repeat([]byte("x"), 2048)...), "application/pdf", pdfOnly, ErrTooLarge},
		{"empty", nil, "application/pdf", pdfOnly, ErrEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.ReceiveUpload(ctx, bytes.NewReader(tc.body), "signed.pdf", tc.declared, tc.c)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	obj, err := s.ReceiveUpload(ctx, bytes.NewReader(samplePDF), "signed.pdf", "application/pdf", pdfOnly)
	if err != nil {
		t.Fatalf("valid upload: %v", err)
	}
	if obj.Mimetype != "application/pdf" {
		t.Fatalf("unexpected mimetype %q", obj.Mimetype)
	}
}

func TestServeFile(t *testing.T) {
	s := newStore(t)
	obj, err := s.Store(context.Background(), bytes.NewReader(samplePDF), "nda.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ServeFile(rec, httptest.NewRequest(http.MethodGet, "/files/"+obj.StoredName, nil), obj.StoredName)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !bytes.Equal(body, samplePDF) {
		t.Fatal("served content differs")
	}

	for _, name := range []string{"../etc/passwd", "deadbeef.pdf", strings.Repeat("0", 32) + ".pdf"} {
		rec := httptest.NewRecorder()
		s.ServeFile(rec, httptest.NewRequest(http.MethodGet, "/files/x", nil), name)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", name, rec.Code)
		}
	}
}
