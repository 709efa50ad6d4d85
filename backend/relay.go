package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/types"
)

// RelayMessage 转发给所有对等实例的链接与验证码
type RelayMessage struct {
	Link        string `json:"link"`
	ChallengeID string `json:"cap"`
	Solution    string `json:"code"`
	Group       string `json:"gr"`
}

// Relay 把链接与验证码广播给所有对等实例
type Relay interface {
	Send(ctx context.Context, msg RelayMessage) error
}

// HTTPRelay 以 JSON POST 调用中继接口
type HTTPRelay struct {
	client   Poster
	endpoint string
	logger   *zap.Logger
}

// NewHTTPRelay 创建中继客户端
func NewHTTPRelay(cfg Config, client Poster, logger *zap.Logger) (*HTTPRelay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint, err := cfg.Endpoint(cfg.RelayPath)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "invalid relay endpoint").WithCause(err).WithComponent("backend")
	}
	return &HTTPRelay{
		client:   client,
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "relay")),
	}, nil
}

// Send 发送一条中继消息
func (r *HTTPRelay) Send(ctx context.Context, msg RelayMessage) error {
	if msg.Link == "" {
		return types.NewError(types.ErrInvalidInput, "relay message has no link").WithComponent("backend")
	}
	doc, err := r.client.PostJSON(ctx, r.endpoint, msg)
	if err != nil {
		return types.NewError(types.ErrTransientNetwork, "relay request failed").WithCause(err).WithRetryable(true).WithComponent("backend")
	}
	if !doc.OK() {
		return types.NewError(types.ErrUpstreamError, "relay rejected").WithHTTPStatus(doc.Status).WithComponent("backend")
	}
	r.logger.Info("relayed",
		zap.String("group", msg.Group),
		zap.Bool("with_captcha", msg.ChallengeID != ""))
	return nil
}
