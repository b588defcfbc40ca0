package nacos

import (
	"errors"
	"sync"
	"testing"

	"IMCore/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	content   string
	getErr    error
	listeners []func(namespace, group, dataId, data string)
	cancelled int
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.listeners = append(f.listeners, p.OnChange)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.cancelled++
	return nil
}

func (f *fakeSource) push(data string) {
	f.mu.Lock()
	ls := append([]func(string, string, string, string){}, f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l("public", "DEFAULT_GROUP", "imcore.yaml", data)
	}
}

func TestWatcherInitialAndChanges(t *testing.T) {
	src := &fakeSource{content: "log:\n  level: info\n"}
	w := NewWatcher(src, "", "imcore.yaml")

	var got []string
	content, err := w.Start(func(c string) { got = append(got, c) })
	require.NoError(t, err)
	assert.Equal(t, "log:\n  level: info\n", content)

	src.push("log:\n  level: debug\n")
	src.push("log:\n  level: debug\n") // 重复推送忽略
	src.push("boom")
	assert.Equal(t, []string{"log:\n  level: debug\n", "boom"}, got)

	cur, ver := w.Current()
	assert.Equal(t, "boom", cur)
	assert.Equal(t, 3, ver)

	require.NoError(t, w.Stop())
	assert.Equal(t, 1, src.cancelled)
}

func TestWatcherCallbackPanicIsContained(t *testing.T) {
	src := &fakeSource{}
	w := NewWatcher(src, "g", "d")
	calls := 0
	_, err := w.Start(func(string) { calls++; panic("bad config") })
	require.NoError(t, err)
	src.push("a")
	src.push("b")
	assert.Equal(t, 2, calls)
}

func TestWatcherErrors(t *testing.T) {
	_, err := NewWatcher(&fakeSource{}, "", "").Start(nil)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = NewWatcher(&fakeSource{getErr: errors.New("down")}, "", "d").Start(nil)
	assert.Error(t, err)
}

func TestServerConfigs(t *testing.T) {
	sc, err := serverConfigs([]string{"127.0.0.1:8848", "nacos.local:9848"})
	require.NoError(t, err)
	require.Len(t, sc, 2)
	assert.Equal(t, "nacos.local", sc[1].IpAddr)
	assert.Equal(t, uint64(9848), sc[1].Port)

	for _, bad := range [][]string{nil, {"nohost"}, {"h:0"}, {"h:x"}} {
		_, err := serverConfigs(bad)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, bad)
	}
}

type fakeNaming struct {
	reg   []vo.RegisterInstanceParam
	dereg int
	ok    bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.reg = append(f.reg, p)
	return f.ok, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.dereg++
	return true, nil
}

func TestRegistry(t *testing.T) {
	n := &fakeNaming{ok: true}
	r := NewRegistry(n, "imcore-gateway", "", "10.0.0.1", 8080, map[string]string{"instance": "node-a"})
	require.NoError(t, r.Register())
	require.Len(t, n.reg, 1)
	assert.Equal(t, "DEFAULT_GROUP", n.reg[0].GroupName)
	assert.True(t, n.reg[0].Ephemeral)
	assert.Equal(t, "node-a", n.reg[0].Metadata["instance"])
	require.NoError(t, r.Deregister())
	assert.Equal(t, 1, n.dereg)

	n.ok = false
	assert.ErrorIs(t, r.Register(), errs.ErrTransient)
}
