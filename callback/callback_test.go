package callback_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odontiq/odontiq/callback"
	"github.com/odontiq/odontiq/task"
)

func testEnvelope() *task.Envelope {
	rec := &task.Record{
		TaskID:      "t1",
		TaskType:    task.TypePanoramic,
		ImageURL:    "https://img.example.com/pano.jpg",
		CallbackURL: "unused",
		Metadata:    json.RawMessage(`{"case":"A-17"}`),
	}
	return task.NewSuccessEnvelope(rec, json.RawMessage(`{"teeth":[]}`), time.Now())
}

func TestSendDelivered(t *testing.T) {
	var gotBody []byte
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := callback.New(callback.Options{})
	if err := d.Send(context.Background(), srv.URL, testEnvelope()); err != nil {
		t.Fatal(err)
	}
	if gotCT != "application/json" {
		t.Fatalf("content type %q", gotCT)
	}

	var env task.Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatal(err)
	}
	if env.TaskID != "t1" || env.Status != task.StatusSuccess {
		t.Fatalf("envelope %+v", env)
	}
	if string(env.Metadata) != `{"case":"A-17"}` {
		t.Fatalf("metadata %s, want byte-identical echo", env.Metadata)
	}
	if env.Error != nil {
		t.Fatal("SUCCESS envelope must carry a null error")
	}
}

func TestSendNon2xxIsUndelivered(t *testing.T) {
	for _, status := range []int{http.StatusMovedPermanently, http.StatusBadRequest, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := callback.New(callback.Options{}).Send(context.Background(), srv.URL, testEnvelope())
		srv.Close()

		var undelivered *callback.ErrUndelivered
		if !errors.As(err, &undelivered) {
			t.Fatalf("status %d: got %v, want ErrUndelivered", status, err)
		}
	}
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := callback.New(callback.Options{}).Send(context.Background(), url, testEnvelope())
	var undelivered *callback.ErrUndelivered
	if !errors.As(err, &undelivered) {
		t.Fatalf("got %v, want ErrUndelivered", err)
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	d := callback.New(callback.Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := d.Send(context.Background(), srv.URL, testEnvelope())
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("send did not respect its timeout")
	}
}

func TestSendExactlyOnePost(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_ = callback.New(callback.Options{}).Send(context.Background(), srv.URL, testEnvelope())
	if n := posts.Load(); n != 1 {
		t.Fatalf("receiver saw %d POSTs, want exactly 1", n)
	}
}

func TestSendSignature(t *testing.T) {
	const secret = "s3cret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(srv.Close)

	d := callback.New(callback.Options{Secret: secret})
	if err := d.Send(context.Background(), srv.URL, testEnvelope()); err != nil {
		t.Fatal(err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature %q, want %q", gotSig, want)
	}
}

func TestSendNoSignatureWithoutSecret(t *testing.T) {
	var present bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Signature-256"]
	}))
	t.Cleanup(srv.Close)

	if err := callback.New(callback.Options{}).Send(context.Background(), srv.URL, testEnvelope()); err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("unsigned dispatcher must not set a signature header")
	}
}
