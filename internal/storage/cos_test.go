package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const noSuchKey = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><RequestId>req-1</RequestId></Error>`

// fakeCOS serves both the IAM token endpoint and path-style object GETs.
type fakeCOS struct {
	objects    map[string][]byte
	tokenCalls atomic.Int32
}

func (f *fakeCOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/identity/token" {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("apikey") != "key-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errorCode":"BXNIM0415E","errorMessage":"Provided API key could not be found"}`))
			return
		}
		f.tokenCalls.Add(1)
		now := time.Now()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-1",
			"refresh_token": "not_supported",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"expiration":    now.Add(time.Hour).Unix(),
		})
		return
	}

	if r.Header.Get("Authorization") != "Bearer tok-1" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, ok := f.objects[r.URL.Path]
	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(noSuchKey))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func newTestCOS(t *testing.T, f *fakeCOS, apiKey string, maxBytes int64) *COS {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewCOS(Options{
		Endpoint:       srv.URL + "/",
		Bucket:         "docs",
		APIKey:         apiKey,
		InstanceCRN:    "crn:v1:test",
		IAMEndpoint:    srv.URL + "/identity/token",
		MaxObjectBytes: maxBytes,
		MaxRetries:     1,
	}, nil)
	if err != nil {
		t.Fatalf("NewCOS: %v", err)
	}
	return c
}

func TestFetch(t *testing.T) {
	f := &fakeCOS{objects: map[string][]byte{"/docs/in/q3 report.pdf": []byte("%PDF-1.7 body")}}
	c := newTestCOS(t, f, "key-1", 0)

	for i := 0; i < 3; i++ {
		got, err := c.Fetch(context.Background(), "in/q3 report.pdf")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !bytes.Equal(got, []byte("%PDF-1.7 body")) {
			t.Fatalf("body = %q", got)
		}
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Errorf("token exchanged %d times, want 1", n)
	}
}

func TestFetchErrors(t *testing.T) {
	f := &fakeCOS{objects: map[string][]byte{"/docs/big": bytes.Repeat([]byte("a"), 64)}}
	c := newTestCOS(t, f, "key-1", 16)

	if _, err := c.Fetch(context.Background(), "missing.pdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("missing: err = %v, want ErrObjectNotFound", err)
	}
	if _, err := c.Fetch(context.Background(), "big"); !errors.Is(err, ErrObjectTooLarge) {
		t.Errorf("big: err = %v, want ErrObjectTooLarge", err)
	}
}

func TestFetchIAMFailure(t *testing.T) {
	c := newTestCOS(t, &fakeCOS{}, "wrong", 0)

	_, err := c.Fetch(context.Background(), "a")
	if err == nil || errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want iam failure", err)
	}
	if !strings.Contains(err.Error(), "get object") {
		t.Errorf("err = %v, want wrapped get object error", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if isNotFound(errors.New("plain")) {
		t.Error("plain error is not a missing object")
	}
}

func TestNewCOSValidates(t *testing.T) {
	if _, err := NewCOS(Options{Bucket: "b", APIKey: "k"}, nil); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := NewCOS(Options{Endpoint: "http://x", Bucket: "b"}, nil); err == nil {
		t.Error("expected error without api key")
	}
}
