package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/BaSui01/formrelay/internal/cache"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/types"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, kv KV) (*Cache, *testingclock.FakePassiveClock) {
	t.Helper()
	cipher, err := NewSealedCipher("test-secret")
	require.NoError(t, err)
	clk := testingclock.NewFakePassiveClock(baseTime)
	return NewCache(kv, cipher, CacheConfig{}, zap.NewNop(), WithCacheClock(clk)), clk
}

func sampleProfile() *Profile {
	return &Profile{
		Fingerprint: "fp-1",
		Credential:  "cred-1",
		User:        "alice",
		Policy:      DefaultPolicy(),
		IssuedAt:    baseTime,
	}
}

func TestCache_Freshness(t *testing.T) {
	c, clk := newTestCache(t, NewMemoryKV())
	p := sampleProfile()

	clk.SetTime(baseTime.Add(19*time.Minute + 59*time.Second))
	assert.True(t, c.IsFresh(p, "fp-1"))

	clk.SetTime(baseTime.Add(20*time.Minute + time.Millisecond))
	assert.False(t, c.IsFresh(p, "fp-1"))

	clk.SetTime(baseTime)
	assert.False(t, c.IsFresh(p, "fp-other"), "fingerprint mismatch is never fresh")
	assert.False(t, c.IsFresh(nil, "fp-1"))
}

func TestCache_StoreLoadAcrossBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "test:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	fileKV, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	backends := map[string]KV{
		"memory": NewMemoryKV(),
		"file":   fileKV,
		"redis":  NewRedisKV(m, 0),
	}
	for name, kv := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, _ := newTestCache(t, kv)

			_, ok := c.Load(ctx)
			assert.False(t, ok)

			require.NoError(t, c.Store(ctx, sampleProfile()))
			got, ok := c.Load(ctx)
			require.True(t, ok)
			assert.Equal(t, "alice", got.User)
			assert.Equal(t, "cred-1", got.Credential)
			assert.True(t, got.IssuedAt.Equal(baseTime))

			updated := sampleProfile()
			updated.User = "bob"
			require.NoError(t, c.Store(ctx, updated))
			got, ok = c.Load(ctx)
			require.True(t, ok)
			assert.Equal(t, "bob", got.User)

			require.NoError(t, c.Clear(ctx))
			_, ok = c.Load(ctx)
			assert.False(t, ok)
		})
	}
}

func TestCache_TamperedBlobIsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c, _ := newTestCache(t, kv)
	require.NoError(t, c.Store(ctx, sampleProfile()))

	blob, err := kv.Get(ctx, DefaultKey)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, kv.Put(ctx, DefaultKey, blob))

	p, ok := c.Load(ctx)
	assert.False(t, ok)
	assert.Nil(t, p)

	require.NoError(t, kv.Put(ctx, DefaultKey, []byte("short")))
	_, ok = c.Load(ctx)
	assert.False(t, ok)
}

func TestCache_WrongSecretIsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c, _ := newTestCache(t, kv)
	require.NoError(t, c.Store(ctx, sampleProfile()))

	other, err := NewSealedCipher("another-secret")
	require.NoError(t, err)
	c2 := NewCache(kv, other, CacheConfig{}, zap.NewNop())
	_, ok := c2.Load(ctx)
	assert.False(t, ok)
}

func TestNewKV(t *testing.T) {
	kv, err := NewKV(StoreConfig{Type: StoreTypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)

	kv, err = NewKV(StoreConfig{Type: StoreTypeFile, BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileKV{}, kv)

	_, err = NewKV(StoreConfig{Type: StoreTypeRedis}, nil)
	assert.Error(t, err)

	_, err = NewKV(StoreConfig{Type: "etcd"}, nil)
	assert.Error(t, err)
}

func TestSealedCipher_RejectsEmptySecret(t *testing.T) {
	_, err := NewSealedCipher("")
	assert.Error(t, err)
}

func TestSignalFingerprinter_Stable(t *testing.T) {
	ctx := context.Background()
	a := NewSignalFingerprinter(StaticSignals(map[string]string{"ua": "x", "tz": "UTC"}))
	b := NewSignalFingerprinter(StaticSignals(map[string]string{"tz": "UTC", "ua": "x"}))
	c := NewSignalFingerprinter(StaticSignals(map[string]string{"ua": "y", "tz": "UTC"}))

	fa, err := a.Fingerprint(ctx)
	require.NoError(t, err)
	fb, _ := b.Fingerprint(ctx)
	fc, _ := c.Fingerprint(ctx)
	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
	assert.Len(t, fa, 64)

	host, err := NewSignalFingerprinter(nil).Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, host)
}

type refreshServer struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Value
}

func newRefreshServer(t *testing.T, status string) *refreshServer {
	t.Helper()
	rs := &refreshServer{}
	rs.status.Store(status)
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		assert.Equal(t, "fp-1", r.URL.Query().Get("fp"))
		assert.Equal(t, "35.7", r.URL.Query().Get("lat"))
		assert.Equal(t, "51.4", r.URL.Query().Get("lon"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": rs.status.Load().(string),
			"user":   "alice",
			"pre": map[string]any{
				"smawt": 7, "ssw": 90, "srt": 2, "gcit": 250, "qwt": 800,
				"recn": 3, "recg": 150, "congr": "g1", "mxc": 25,
				"sch": true, "fabt": true, "email": "a@example.test",
				"isAuto": false, "fp": "server-cred",
			},
		})
	}))
	t.Cleanup(rs.Close)
	return rs
}

func newTestRefresher(t *testing.T, url string) *Refresher {
	t.Helper()
	client, err := httpx.NewClient(httpx.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	cfg := DefaultRefreshConfig()
	cfg.URL = url
	cfg.Latitude = 35.7
	cfg.Longitude = 51.4
	return NewRefresher(cfg, client, zap.NewNop())
}

func TestRefresher_IssuesProfileWithPolicy(t *testing.T) {
	srv := newRefreshServer(t, "wqdfe321#21")
	r := newTestRefresher(t, srv.URL+"/veiw")

	p, err := r.Refresh(context.Background(), "fp-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", p.Fingerprint)
	assert.Equal(t, "server-cred", p.Credential)
	assert.Equal(t, "alice", p.User)

	pol := p.Policy
	assert.Equal(t, 7*time.Second, pol.SubmitWait)
	assert.Equal(t, 90*time.Second, pol.SolveWindow)
	assert.Equal(t, 2*time.Second, pol.ReloadDelay)
	assert.Equal(t, 250*time.Millisecond, pol.CaptchaPollInterval)
	assert.Equal(t, 800*time.Millisecond, pol.QueueInterval)
	assert.Equal(t, 3*time.Second, pol.SubmitInterval, "unset field keeps default")
	assert.Equal(t, 3, pol.RepeatClicks)
	assert.Equal(t, 150*time.Millisecond, pol.RepeatGap)
	assert.Equal(t, "g1", pol.ConfirmGroup)
	assert.Equal(t, 25, pol.CaptchaCapacity)
	assert.True(t, pol.SolveCaptcha)
	assert.True(t, pol.RetryLoopEnabled)
	assert.False(t, pol.Automatic)
	assert.Equal(t, "a@example.test", pol.Email)
}

func TestRefresher_TerminalStatuses(t *testing.T) {
	cases := map[string]types.ErrorCode{
		"expsin!15": types.ErrSessionExpired,
		"repo5#r":   types.ErrReportRequired,
		"whatever":  types.ErrSessionUnknown,
	}
	for status, code := range cases {
		t.Run(status, func(t *testing.T) {
			srv := newRefreshServer(t, status)
			r := newTestRefresher(t, srv.URL)
			_, err := r.Refresh(context.Background(), "fp-1", nil)
			require.Error(t, err)
			assert.Equal(t, code, types.GetErrorCode(err))
			assert.True(t, types.IsTerminal(err))
		})
	}
}

func TestRefresher_NonJSONIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	_, err := r.Refresh(context.Background(), "fp-1", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrProtocol, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestRefresher_ExplicitCoordinates(t *testing.T) {
	var lat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lat = r.URL.Query().Get("lat")
		_, _ = w.Write([]byte(`{"status":"wqdfe321#21","pre":{}}`))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	_, err := r.Refresh(context.Background(), "fp-1", &Coordinates{Latitude: -1.5, Longitude: 2})
	require.NoError(t, err)
	assert.Equal(t, "-1.5", lat)
}

func TestRefresher_ConcurrentCallsShareRequest(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"status":"wqdfe321#21","user":"u","pre":{}}`))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Refresh(context.Background(), "fp-1", nil)
			assert.NoError(t, err)
			assert.Equal(t, "u", p.User)
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolver_UsesFreshCacheAndRefreshesStale(t *testing.T) {
	ctx := context.Background()
	srv := newRefreshServer(t, "wqdfe321#21")
	c, clk := newTestCache(t, NewMemoryKV())
	res := NewResolver(fixedFingerprint("fp-1"), c, newTestRefresher(t, srv.URL), nil, zap.NewNop())

	p, err := res.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.User)
	assert.True(t, p.IssuedAt.Equal(baseTime))
	assert.Equal(t, int32(1), srv.hits.Load())

	clk.SetTime(baseTime.Add(10 * time.Minute))
	_, err = res.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load(), "fresh cache is served")

	clk.SetTime(baseTime.Add(21 * time.Minute))
	p, err = res.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
	assert.True(t, p.IssuedAt.Equal(baseTime.Add(21*time.Minute)))
}

func TestResolver_TerminalErrorPropagates(t *testing.T) {
	srv := newRefreshServer(t, "expsin!15")
	c, _ := newTestCache(t, NewMemoryKV())
	res := NewResolver(fixedFingerprint("fp-1"), c, newTestRefresher(t, srv.URL), nil, zap.NewNop())

	_, err := res.Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionExpired, types.GetErrorCode(err))

	_, ok := c.Load(context.Background())
	assert.False(t, ok, "nothing is cached on failure")
}

type fixedFingerprint string

func (f fixedFingerprint) Fingerprint(context.Context) (string, error) { return string(f), nil }
