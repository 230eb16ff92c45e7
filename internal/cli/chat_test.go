package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/devicelink/internal/client"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/handler"
	"github.com/openclaw/devicelink/internal/memstore"
	"github.com/openclaw/devicelink/internal/middleware"
	"github.com/openclaw/devicelink/internal/service"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	store := memstore.New()
	broker := feed.NewBroker(feed.NewLocalTransport())
	t.Cleanup(broker.Close)

	pairing := service.NewPairingService(store, broker, service.PairingConfig{
		PendingTTL: 10 * time.Minute,
		PinTTL:     5 * time.Minute,
	})
	content := service.NewContentService(store, pairing, broker, 1024)

	srv := httptest.NewServer(handler.NewRouter(handler.RouterDeps{
		Pairing:           pairing,
		Content:           content,
		PinLimiter:        middleware.NewMemoryLimiter(),
		PinAttemptsPerMin: 100,
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// syncBuffer is written by the command goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestJoinCommand(t *testing.T) {
	server := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := client.NewSession(client.New(server))
	defer host.Close(context.Background())
	_, err := host.Host(ctx)
	require.NoError(t, err)
	issue, err := host.IssuePin(ctx)
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", server, "join", issue.PinCode})
	cmd.SetIn(strings.NewReader("hello from join\n\n/quit\nnever sent\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, out.String(), "Connected.")

	history, err := host.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello from join", history[0].Content)
}

func TestJoinCommand_BadPin(t *testing.T) {
	server := newTestServer(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", server, "join", "0000"})
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestHostCommand(t *testing.T) {
	server := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out syncBuffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", server, "--format", "json", "host"})
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var pin string
	require.Eventually(t, func() bool {
		for _, line := range strings.Split(out.String(), "\n") {
			if i := strings.Index(line, `"pinCode":"`); i >= 0 {
				pin = line[i+len(`"pinCode":"`) : i+len(`"pinCode":"`)+4]
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	guest := client.NewSession(client.New(server))
	defer guest.Close(context.Background())
	_, err := guest.Join(ctx, pin)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host command did not finish")
	}
	assert.Contains(t, out.String(), `"event":"connected"`)
}

func TestRunChat(t *testing.T) {
	server := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(server)
	host, guest := client.NewSession(c), client.NewSession(c)
	defer host.Close(context.Background())
	defer guest.Close(context.Background())

	_, err := host.Host(ctx)
	require.NoError(t, err)
	p, err := host.Payload(ctx)
	require.NoError(t, err)
	_, err = guest.Join(ctx, p.URL)
	require.NoError(t, err)

	_, err = host.Send(ctx, "before chat")
	require.NoError(t, err)

	var out syncBuffer
	formatter := &OutputFormatter{Format: "text", Writer: &out}

	chatCtx, stopChat := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		// Blocks on input that never arrives; only ctx ends it.
		pr, pw := io.Pipe()
		defer pw.Close()
		done <- runChat(chatCtx, guest, pr, formatter)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "peer> before chat")
	}, 3*time.Second, 10*time.Millisecond)

	_, err = host.Send(ctx, "during chat")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "peer> during chat")
	}, 3*time.Second, 10*time.Millisecond)

	stopChat()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("chat loop did not stop")
	}

	assert.Equal(t, 1, strings.Count(out.String(), "before chat"))
}

func TestRunChat_SendsLinesVerbatim(t *testing.T) {
	server := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(server)
	host, guest := client.NewSession(c), client.NewSession(c)
	defer host.Close(context.Background())
	defer guest.Close(context.Background())

	_, err := host.Host(ctx)
	require.NoError(t, err)
	p, err := host.Payload(ctx)
	require.NoError(t, err)
	_, err = guest.Join(ctx, p.URL)
	require.NoError(t, err)

	var out syncBuffer
	in := strings.NewReader("    indented := true\n\n   \t\n /quit \n")
	require.NoError(t, runChat(ctx, guest, in, &OutputFormatter{Format: "text", Writer: &out}))

	entries, err := host.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "    indented := true", entries[0].Content)
}
