package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/seasonpass/tracker/internal/queue"
)

func testRecord() Record {
	return Record{
		Topic:    "seasonpass.actions.courage",
		Key:      []byte("odin"),
		Value:    []byte(`{"planet_id":"odin","block":7}`),
		Error:    "pass: upstream error: stake lookup",
		Attempts: 3,
		FailedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordID_StableAndDistinct(t *testing.T) {
	t.Parallel()

	a := testRecord()
	b := testRecord()
	b.Attempts = 9
	b.FailedAt = b.FailedAt.Add(time.Hour)
	if a.ID() != b.ID() {
		t.Fatalf("id depends on retry metadata")
	}
	b.Value = []byte(`{"planet_id":"odin","block":8}`)
	if a.ID() == b.ID() {
		t.Fatalf("distinct payloads share an id")
	}
	if len(a.ID()) != 64 {
		t.Fatalf("id length: %d", len(a.ID()))
	}
}

func TestQueueSink_Publishes(t *testing.T) {
	t.Parallel()

	broker := queue.NewMemoryBroker()
	c := broker.Consumer("seasonpass.deadletter")
	defer c.Close()

	sink, err := NewQueueSink("seasonpass.deadletter", broker.Producer())
	if err != nil {
		t.Fatalf("NewQueueSink: %v", err)
	}
	if err := sink.Put(context.Background(), testRecord()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	msg := <-c.Messages()
	var got Record
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Topic != testRecord().Topic || !bytes.Equal(got.Value, testRecord().Value) || got.Attempts != 3 {
		t.Fatalf("record: %+v", got)
	}
	if string(msg.Key) != "odin" {
		t.Fatalf("key: %q", msg.Key)
	}

	if _, err := NewQueueSink("", broker.Producer()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestArchiveSink_MemoryKeepsFirstFailure(t *testing.T) {
	t.Parallel()

	archive, err := NewArchive(ArchiveConfig{Driver: DriverMemory, Prefix: "/dlq/"})
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	sink, err := NewArchiveSink(archive)
	if err != nil {
		t.Fatalf("NewArchiveSink: %v", err)
	}
	ctx := context.Background()

	r := testRecord()
	if err := sink.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	key := ArchiveKey(r)
	if !strings.HasPrefix(key, "seasonpass.actions.courage/2026/06/01/") {
		t.Fatalf("key: %s", key)
	}

	again := r
	again.Error = "other"
	if err := sink.Put(ctx, again); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, err := sink.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Error != r.Error || !bytes.Equal(got.Value, r.Value) {
		t.Fatalf("record: %+v", got)
	}

	if _, err := sink.Load(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplay_RepublishesToOriginalTopic(t *testing.T) {
	t.Parallel()

	broker := queue.NewMemoryBroker()
	c := broker.Consumer("seasonpass.actions.courage")
	defer c.Close()

	b, _ := json.Marshal(testRecord())
	r, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if err := Replay(context.Background(), broker.Producer(), r); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	msg := <-c.Messages()
	if string(msg.Key) != "odin" || !bytes.Equal(msg.Value, testRecord().Value) {
		t.Fatalf("message: %+v", msg)
	}

	if _, err := DecodeRecord([]byte(`{"topic":"x"}`)); err == nil {
		t.Fatalf("expected error for record without value")
	}
}

func TestNewArchive_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     ArchiveConfig
		wantErr bool
	}{
		{name: "memory", cfg: ArchiveConfig{Driver: DriverMemory}},
		{name: "unsupported", cfg: ArchiveConfig{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: ArchiveConfig{Driver: DriverS3, S3Client: newFakeS3()}, wantErr: true},
		{name: "s3 missing client", cfg: ArchiveConfig{Driver: DriverS3, Bucket: "dlq"}, wantErr: true},
		{name: "default is s3", cfg: ArchiveConfig{Bucket: "dlq", S3Client: newFakeS3()}},
	}
	for _, tc := range cases {
		_, err := NewArchive(tc.cfg)
		if tc.wantErr && !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
	}
}

func TestArchive_RejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	archive, _ := NewArchive(ArchiveConfig{Driver: DriverMemory})
	for _, key := range []string{"", " a", "a\x00b", "/", "a/../b"} {
		if _, err := archive.Create(context.Background(), key, nil, nil); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Create(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestArchiveSink_S3ConditionalPut(t *testing.T) {
	t.Parallel()

	client := newFakeS3()
	archive, err := NewArchive(ArchiveConfig{Driver: DriverS3, Bucket: "dlq", Prefix: "prod", S3Client: client})
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	sink, _ := NewArchiveSink(archive)
	ctx := context.Background()

	r := testRecord()
	if err := sink.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Put(ctx, r); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if client.puts != 1 {
		t.Fatalf("stored puts: %d", client.puts)
	}
	if _, ok := client.objects["prod/"+ArchiveKey(r)]; !ok {
		t.Fatalf("object not stored under prefix: %v", client.objects)
	}

	got, err := sink.Load(ctx, ArchiveKey(r))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Attempts != 3 {
		t.Fatalf("record: %+v", got)
	}
	if _, err := archive.Read(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Archive_PutError(t *testing.T) {
	t.Parallel()

	client := newFakeS3()
	client.putErr = fakeAPIError{code: "AccessDenied"}
	archive, _ := NewArchive(ArchiveConfig{Bucket: "dlq", S3Client: client})
	if _, err := archive.Create(context.Background(), "k.json", []byte("{}"), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestS3Archive_MaxRecordBytes(t *testing.T) {
	t.Parallel()

	client := newFakeS3()
	client.objects["big"] = bytes.Repeat([]byte("x"), 32)
	archive, _ := NewArchive(ArchiveConfig{Bucket: "dlq", S3Client: client, MaxRecordBytes: 16})
	if _, err := archive.Read(context.Background(), "big"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

// fakeS3 honors If-None-Match: * the way S3 does.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, fakeAPIError{code: "PreconditionFailed"}
	}
	f.objects[key] = b
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

type fakeAPIError struct{ code string }

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.code }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code }
