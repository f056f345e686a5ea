package asr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu     sync.Mutex
	audio  [][]byte
	names  []string
	delay  time.Duration
	result string
	err    error
}

func (f *fakeEngine) Transcribe(ctx context.Context, audio []byte, fileName, _ string) (string, error) {
	f.mu.Lock()
	f.audio = append(f.audio, audio)
	f.names = append(f.names, fileName)
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return f.result, f.err
}

type fakeObjects struct {
	urls []string
}

func (f *fakeObjects) DownloadURL(_ context.Context, rawURL string) ([]byte, error) {
	f.urls = append(f.urls, rawURL)
	return []byte("object-audio"), nil
}

func newAudioServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.wav" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		_, _ = w.Write([]byte("http-audio"))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestSubmitAwaitOverHTTP(t *testing.T) {
	server := newAudioServer(t)
	engine := &fakeEngine{result: "hello there"}

	client, err := NewClientWithEngine(engine, &fakeObjects{}, 2, time.Second)
	require.NoError(t, err)
	defer client.Release()

	handle, err := client.Submit(context.Background(), "c1", server.URL+"/calls/c1.wav")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	transcription, err := client.Await(context.Background(), handle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, handle, transcription.ID)
	assert.Equal(t, "hello there", transcription.Text)
	assert.Equal(t, []string{"c1.wav"}, engine.names)
	assert.Equal(t, "http-audio", string(engine.audio[0]))

	_, err = client.Await(context.Background(), handle, time.Second)
	require.ErrorIs(t, err, ErrUnknownTranscription)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestSubmitReadsObjectStorage(t *testing.T) {
	objects := &fakeObjects{}
	engine := &fakeEngine{result: "from storage"}

	client, err := NewClientWithEngine(engine, objects, 1, time.Second)
	require.NoError(t, err)
	defer client.Release()

	handle, err := client.Submit(context.Background(), "c2", "s3://calls/c2.wav")
	require.NoError(t, err)

	transcription, err := client.Await(context.Background(), handle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "from storage", transcription.Text)
	assert.Equal(t, []string{"s3://calls/c2.wav"}, objects.urls)
	assert.Equal(t, "object-audio", string(engine.audio[0]))
}

func TestAwaitTimesOut(t *testing.T) {
	server := newAudioServer(t)
	engine := &fakeEngine{result: "late", delay: time.Second}

	client, err := NewClientWithEngine(engine, nil, 1, time.Second)
	require.NoError(t, err)
	defer client.Release()

	handle, err := client.Submit(context.Background(), "c3", server.URL+"/c3.wav")
	require.NoError(t, err)

	_, err = client.Await(context.Background(), handle, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTranscriptionTimeout)
	assert.True(t, fault.Retryable(err))
}

func TestFailuresAreTransient(t *testing.T) {
	server := newAudioServer(t)

	tests := []struct {
		name    string
		fileURL string
		engine  *fakeEngine
		target  error
	}{
		{name: "audio missing", fileURL: server.URL + "/missing.wav", engine: &fakeEngine{}, target: ErrAudioFetch},
		{name: "engine failure", fileURL: server.URL + "/c4.wav", engine: &fakeEngine{err: errors.New("asr unavailable")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClientWithEngine(tt.engine, nil, 1, time.Second)
			require.NoError(t, err)
			defer client.Release()

			handle, err := client.Submit(context.Background(), "c4", tt.fileURL)
			require.NoError(t, err)

			_, err = client.Await(context.Background(), handle, time.Second)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Transient))

			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}
		})
	}
}
