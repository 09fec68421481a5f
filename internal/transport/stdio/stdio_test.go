package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type collect struct {
	mu   sync.Mutex
	seen []string
}

func (c *collect) Handle(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, string(raw))
	if strings.Contains(string(raw), "fail") {
		return errors.New("boom")
	}
	return nil
}

func TestRelay_HandlesEveryNonBlankLine(t *testing.T) {
	in := strings.NewReader("{\"type\":\"rendered\"}\n\n{\"type\":\"fail\"}\n{\"type\":\"idle\"}")
	h := &collect{}
	require.NoError(t, NewRelay(in).Run(context.Background(), h))
	require.Equal(t, []string{`{"type":"rendered"}`, `{"type":"fail"}`, `{"type":"idle"}`}, h.seen)
}

func TestRelay_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewRelay(strings.NewReader("")).Run(ctx, &collect{}))
}

func TestEncoder_OneMessagePerLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.Emit(map[string]string{"type": "idle"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, l := range lines {
		var m map[string]string
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		require.Equal(t, "idle", m["type"])
	}
}
