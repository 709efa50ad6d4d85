package backend

import (
	"context"
	"net/url"

	"go.uber.org/zap"
)

// Stage 是上报给服务端的页面阶段
type Stage string

const (
	StageSecondStep Stage = "SecondStep"
	StageConfirm    Stage = "Confirm"
	StageSuccess    Stage = "Success"
)

// StageLogger 以 GET {stage_path}?ste=... 上报页面阶段，结果不关心
type StageLogger struct {
	client   Poster
	endpoint string
	logger   *zap.Logger
}

// NewStageLogger 创建阶段上报器。端点配置无效时返回的上报器只写本地日志。
func NewStageLogger(cfg Config, client Poster, logger *zap.Logger) *StageLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "stage_logger"))
	endpoint, err := cfg.Endpoint(cfg.StagePath)
	if err != nil {
		logger.Warn("stage reporting disabled", zap.Error(err))
		endpoint = ""
	}
	return &StageLogger{client: client, endpoint: endpoint, logger: logger}
}

// Log 上报一个阶段，params 作为附加查询参数
func (s *StageLogger) Log(ctx context.Context, stage Stage, params map[string]string) {
	s.logger.Info("stage", zap.String("stage", string(stage)), zap.Any("params", params))
	if s.endpoint == "" || s.client == nil {
		return
	}
	q := url.Values{}
	q.Set("ste", string(stage))
	for k, v := range params {
		q.Set(k, v)
	}
	if _, err := s.client.Get(ctx, s.endpoint+"?"+q.Encode()); err != nil {
		s.logger.Debug("stage report failed", zap.Error(err))
	}
}
