package nacos

import (
	"sync"

	"IMCore/logger"
	"IMCore/tools/errs"
	"IMCore/tools/safe"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 里用到的部分
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher 拉一次全量，之后 ListenConfig 推送；回调 panic 不影响后续推送
type Watcher struct {
	src    ConfigSource
	group  string
	dataID string
	log    *zap.Logger

	mu      sync.RWMutex
	current string
	version int
}

func NewWatcher(src ConfigSource, group, dataID string) *Watcher {
	safe.MustNotNil(src, "nacos config source")
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Watcher{src: src, group: group, dataID: dataID, log: logger.Named("nacos.watcher")}
}

// Start 返回当前内容；onChange 只在后续变更时调用
func (w *Watcher) Start(onChange func(content string)) (string, error) {
	if w.dataID == "" {
		return "", errs.ErrInvalidArgument.WrapMsg("nacos data id is required")
	}
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return "", errs.WrapMsg(err, "nacos get config", "dataId", w.dataID, "group", w.group)
	}
	w.update(content)

	err = w.src.ListenConfig(vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(namespace, group, dataId, data string) {
			if !w.update(data) {
				return
			}
			w.log.Info("config changed", zap.String("namespace", namespace), zap.String("dataId", dataId), zap.Int("len", len(data)))
			if onChange == nil {
				return
			}
			if err := safe.Call(func() error { onChange(data); return nil }); err != nil {
				w.log.Error("config change callback failed", zap.String("dataId", dataId), zap.Error(err))
			}
		},
	})
	if err != nil {
		return content, errs.WrapMsg(err, "nacos listen config", "dataId", w.dataID)
	}
	return content, nil
}

// update 内容相同返回 false
func (w *Watcher) update(content string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.version > 0 && content == w.current {
		return false
	}
	w.current = content
	w.version++
	return true
}

func (w *Watcher) Current() (string, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.version
}

func (w *Watcher) Stop() error {
	return w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
}
