package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/fedmcp/pkg/artifact"
)

func newRecord(t *testing.T) *Record {
	t.Helper()
	a, err := artifact.New(artifact.TypeSSPFragment, uuid.New(), map[string]interface{}{"control": "AC-2"})
	require.NoError(t, err)
	r, err := NewRecord(a, "h.p.s", "0123456789abcdef")
	require.NoError(t, err)
	return r
}

// conformance exercises the Store contract shared by every backend.
func conformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	r := newRecord(t)

	ok, err := s.Exists(ctx, r.ArtifactID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, r.ArtifactID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, r))
	ok, err = s.Exists(ctx, r.ArtifactID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, r.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, r.Hash, got.Hash)
	assert.Equal(t, r.Token, got.Token)
	assert.Equal(t, r.KeyID, got.KeyID)
	assert.Equal(t, r.Type, got.Type)

	a, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, r.ArtifactID, a.ID())

	// Overwrite.
	r.Token = "h.p.s2"
	require.NoError(t, s.Put(ctx, r))
	got, err = s.Get(ctx, r.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "h.p.s2", got.Token)

	require.NoError(t, s.Delete(ctx, r.ArtifactID))
	require.NoError(t, s.Delete(ctx, r.ArtifactID))
	ok, err = s.Exists(ctx, r.ArtifactID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.Put(ctx, &Record{}))
}

func TestMemoryStore(t *testing.T) {
	conformance(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)
	conformance(t, s)
}

func TestFileStore_Permissions(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := newRecord(t)
	require.NoError(t, s.Put(context.Background(), r))

	info, err := os.Stat(s.path(r.ArtifactID))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRecord_DecodeDetectsTampering(t *testing.T) {
	r := newRecord(t)
	r.Artifact = bytes.Replace(r.Artifact, []byte("AC-2"), []byte("AC-3"), 1)
	_, err := r.Decode()
	assert.Error(t, err)
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	conformance(t, NewS3StoreFromClient(fake, "bucket", "records/"))
}

func TestS3Store_KeyLayout(t *testing.T) {
	fake := newFakeS3()
	s := NewS3StoreFromClient(fake, "bucket", "records/")
	r := newRecord(t)
	require.NoError(t, s.Put(context.Background(), r))
	assert.Contains(t, fake.objects, "bucket/records/"+r.ArtifactID.String()+".json")
}

type brokenS3 struct{ *fakeS3 }

func (brokenS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("access denied")
}

func TestS3Store_ExistsPropagatesErrors(t *testing.T) {
	s := NewS3StoreFromClient(brokenS3{fakeS3: newFakeS3()}, "bucket", "")
	_, err := s.Exists(context.Background(), uuid.New())
	assert.Error(t, err)
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	s := NewRedisStoreFromClient(client, "fedmcp:test:"+uuid.NewString()+":", time.Minute)
	defer s.Close()
	conformance(t, s)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = New(ctx, Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, Config{Type: TypeRedis, Redis: RedisStoreConfig{Addr: "localhost:6379"}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)

	_, err = New(ctx, Config{Type: TypeS3})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: TypeGCS})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: TypeRedis})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: "tape"})
	assert.Error(t, err)
}
