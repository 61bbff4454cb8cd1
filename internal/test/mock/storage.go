// Package mock provides in-memory collaborators for tests.
package mock

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/upload"
)

type multipart struct {
	bucket, key string
	parts       map[int][]byte
	sizes       map[int]int64
}

// Storage is an upload.ObjectStorage keeping objects in memory. It also
// serves the URLs it signs, so a real HTTP client can upload to it once
// BaseURL points at an httptest server wrapping it.
type Storage struct {
	sync.Mutex
	BaseURL string

	uploads map[string]*multipart
	objects map[string][]byte
	aborted map[string]bool
	fail    map[string]int
	calls   map[string]int
}

// NewStorage returns an empty storage.
func NewStorage() *Storage {
	return &Storage{
		BaseURL: "http://storage.invalid",
		uploads: make(map[string]*multipart),
		objects: make(map[string][]byte),
		aborted: make(map[string]bool),
		fail:    make(map[string]int),
		calls:   make(map[string]int),
	}
}

var _ upload.ObjectStorage = (*Storage)(nil)

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// FailNext makes the next n calls of op fail with ErrStorageUnavailable. op
// is one of create, sign, complete, abort, open, sign-download.
func (s *Storage) FailNext(op string, n int) {
	s.Lock()
	defer s.Unlock()
	s.fail[op] = n
}

// Calls returns how many times op was invoked.
func (s *Storage) Calls(op string) int {
	s.Lock()
	defer s.Unlock()
	return s.calls[op]
}

func (s *Storage) enter(op string) error {
	s.calls[op]++
	if s.fail[op] > 0 {
		s.fail[op]--
		return fmt.Errorf("mock %s: %w", op, ceremony.ErrStorageUnavailable)
	}
	return nil
}

func (s *Storage) CreateMultipartSession(_ context.Context, bucket, key string) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("create"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.uploads[id] = &multipart{bucket: bucket, key: key, parts: make(map[int][]byte), sizes: make(map[int]int64)}
	return id, nil
}

func (s *Storage) SignPartUpload(_ context.Context, bucket, key, uploadID string, partNumber int, size int64, ttl time.Duration) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("sign"); err != nil {
		return "", err
	}
	mp, ok := s.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("no upload %s", uploadID)
	}
	mp.sizes[partNumber] = size
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("expires", strconv.FormatInt(int64(ttl/time.Second), 10))
	return fmt.Sprintf("%s/%s/%s?%s", s.BaseURL, bucket, key, q.Encode()), nil
}

// PutPart stores a part as a client PUT on a signed URL would and returns
// its tag.
func (s *Storage) PutPart(uploadID string, partNumber int, data []byte) (string, error) {
	s.Lock()
	defer s.Unlock()
	mp, ok := s.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("no upload %s", uploadID)
	}
	size, ok := mp.sizes[partNumber]
	if !ok {
		return "", fmt.Errorf("part %d was never signed", partNumber)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part %d: got %d bytes, signed for %d", partNumber, len(data), size)
	}
	mp.parts[partNumber] = append([]byte(nil), data...)
	return Tag(data), nil
}

// Tag is the tag the storage returns for a part holding data.
func Tag(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:8])
}

func (s *Storage) CompleteMultipartSession(_ context.Context, bucket, key, uploadID string, parts []upload.CompletedPart) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("complete"); err != nil {
		return "", err
	}
	mp, ok := s.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("no upload %s", uploadID)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := mp.parts[p.Number]
		if !ok || Tag(data) != p.Tag {
			return "", fmt.Errorf("invalid part %d", p.Number)
		}
		buf.Write(data)
	}
	s.objects[objectKey(bucket, key)] = buf.Bytes()
	delete(s.uploads, uploadID)
	return fmt.Sprintf("%s-%d", Tag(buf.Bytes()), len(parts)), nil
}

func (s *Storage) AbortMultipartSession(_ context.Context, _, _, uploadID string) error {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("abort"); err != nil {
		return err
	}
	delete(s.uploads, uploadID)
	s.aborted[uploadID] = true
	return nil
}

// Aborted reports whether an abort was issued for uploadID.
func (s *Storage) Aborted(uploadID string) bool {
	s.Lock()
	defer s.Unlock()
	return s.aborted[uploadID]
}

func (s *Storage) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("open"); err != nil {
		return nil, err
	}
	data, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ceremony.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Storage) SignDownload(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.enter("sign-download"); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", s.BaseURL, bucket, key), nil
}

// PutObject stores a committed object, such as a genesis zkey.
func (s *Storage) PutObject(bucket, key string, data []byte) {
	s.Lock()
	defer s.Unlock()
	s.objects[objectKey(bucket, key)] = append([]byte(nil), data...)
}

// Object returns a committed object.
func (s *Storage) Object(bucket, key string) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()
	data, ok := s.objects[objectKey(bucket, key)]
	return data, ok
}

// ServeHTTP answers PUTs on signed part URLs and GETs on objects.
func (s *Storage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		n, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
		if err != nil {
			http.Error(w, "bad part number", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tag, err := s.PutPart(r.URL.Query().Get("uploadId"), n, data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("ETag", `"`+tag+`"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := s.Object(bucket, key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
