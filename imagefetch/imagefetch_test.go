package imagefetch_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/odontiq/odontiq/imagefetch"
	"github.com/odontiq/odontiq/task"
)

func serveImage(t *testing.T, body []byte, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		} else {
			// Suppress content sniffing so the header is truly absent.
			w.Header()["Content-Type"] = nil
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dest(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "image.jpg")
}

func TestFetchOK(t *testing.T) {
	body := bytes.Repeat([]byte{0xFF}, 1024)
	srv := serveImage(t, body, "image/jpeg")
	f := imagefetch.New(imagefetch.Options{})

	path := dest(t)
	if e := f.Fetch(context.Background(), srv.URL+"/pano.jpg", path); e != nil {
		t.Fatal(e)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(body))
	}
}

func TestFetchDicomContentTypes(t *testing.T) {
	for _, ct := range []string{"application/dicom", "application/octet-stream", ""} {
		t.Run("ct="+ct, func(t *testing.T) {
			srv := serveImage(t, []byte("dicom-bytes"), ct)
			f := imagefetch.New(imagefetch.Options{})
			if e := f.Fetch(context.Background(), srv.URL, dest(t)); e != nil {
				t.Fatal(e)
			}
		})
	}
}

func TestFetchRejectsNonImage(t *testing.T) {
	srv := serveImage(t, []byte("<html>nope</html>"), "text/html")
	f := imagefetch.New(imagefetch.Options{})

	e := f.Fetch(context.Background(), srv.URL, dest(t))
	if e == nil || e.Kind != task.KindImageFormatBad {
		t.Fatalf("got %v, want ImageFormatBad", e)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	f := imagefetch.New(imagefetch.Options{})

	e := f.Fetch(context.Background(), srv.URL+"/missing.jpg", dest(t))
	if e == nil || e.Kind != task.KindImageUnreachable {
		t.Fatalf("got %v, want ImageUnreachable", e)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	f := imagefetch.New(imagefetch.Options{})

	e := f.Fetch(context.Background(), url+"/x.jpg", dest(t))
	if e == nil || e.Kind != task.KindImageUnreachable {
		t.Fatalf("got %v, want ImageUnreachable", e)
	}
}

func TestFetchTooLargeDeclared(t *testing.T) {
	// HEAD declares the size, so the body is never transferred.
	srv := serveImage(t, bytes.Repeat([]byte{1}, 2048), "image/png")
	f := imagefetch.New(imagefetch.Options{MaxBytes: 1024})

	e := f.Fetch(context.Background(), srv.URL, dest(t))
	if e == nil || e.Kind != task.KindImageTooLarge {
		t.Fatalf("got %v, want ImageTooLarge", e)
	}
}

func TestFetchTooLargeStreamed(t *testing.T) {
	// Server refuses HEAD; the limit is enforced on the streamed GET.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes.Repeat([]byte{1}, 2048))
	}))
	t.Cleanup(srv.Close)
	f := imagefetch.New(imagefetch.Options{MaxBytes: 1024})

	path := dest(t)
	e := f.Fetch(context.Background(), srv.URL, path)
	if e == nil || e.Kind != task.KindImageTooLarge {
		t.Fatalf("got %v, want ImageTooLarge", e)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("partial file must be removed")
	}
}

func TestFetchEmptyBody(t *testing.T) {
	srv := serveImage(t, nil, "image/jpeg")
	f := imagefetch.New(imagefetch.Options{})

	e := f.Fetch(context.Background(), srv.URL, dest(t))
	if e == nil || e.Kind != task.KindImageFormatBad {
		t.Fatalf("got %v, want ImageFormatBad", e)
	}
}

func TestFetchBadScheme(t *testing.T) {
	f := imagefetch.New(imagefetch.Options{})
	e := f.Fetch(context.Background(), "file:///etc/passwd", dest(t))
	if e == nil || e.Kind != task.KindImageUnreachable {
		t.Fatalf("got %v, want ImageUnreachable", e)
	}
}

func TestStat(t *testing.T) {
	dir := t.TempDir()

	full := filepath.Join(dir, "full.jpg")
	if err := os.WriteFile(full, []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if e := imagefetch.Stat(full); e != nil {
		t.Fatal(e)
	}

	empty := filepath.Join(dir, "empty.jpg")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if e := imagefetch.Stat(empty); e == nil || e.Kind != task.KindImageFormatBad {
		t.Fatalf("got %v, want ImageFormatBad", e)
	}

	if e := imagefetch.Stat(filepath.Join(dir, "missing.jpg")); e == nil || e.Kind != task.KindImageUnreachable {
		t.Fatalf("got %v, want ImageUnreachable", e)
	}
}
