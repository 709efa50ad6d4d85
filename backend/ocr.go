package backend

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// 🔍 远程验证码识别
// =============================================================================

// OCR 把验证码图片交给远程服务识别
type OCR interface {
	Solve(ctx context.Context, png []byte, credential string) (string, error)
}

type ocrResponse struct {
	Code string `json:"code"`
}

// HTTPOCR 通过 multipart POST {image, fp} 调用识别服务
type HTTPOCR struct {
	client   Poster
	endpoint string
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewHTTPOCR 创建识别客户端
func NewHTTPOCR(cfg Config, client Poster, m *metrics.Collector, logger *zap.Logger) (*HTTPOCR, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint, err := cfg.Endpoint(cfg.OCRPath)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "invalid ocr endpoint").WithCause(err).WithComponent("backend")
	}
	return &HTTPOCR{
		client:   client,
		endpoint: endpoint,
		metrics:  m,
		tracer:   otel.Tracer("formrelay/backend"),
		logger:   logger.With(zap.String("component", "ocr")),
	}, nil
}

// Solve 返回识别出的代码。服务端返回非 JSON 或空代码时视为协议错误。
func (o *HTTPOCR) Solve(ctx context.Context, png []byte, credential string) (code string, err error) {
	ctx, span := o.tracer.Start(ctx, "backend.ocr", trace.WithAttributes(attribute.Int("image.bytes", len(png))))
	start := time.Now()
	defer func() {
		o.metrics.RecordOCR(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(png) == 0 {
		return "", types.NewError(types.ErrInvalidInput, "empty captcha image").WithComponent("backend")
	}

	doc, err := o.client.PostMultipart(ctx, o.endpoint,
		map[string]string{"fp": credential},
		httpx.FilePart{Field: "image", FileName: "image.png", Data: png},
	)
	if err != nil {
		return "", types.NewError(types.ErrTransientNetwork, "ocr request failed").WithCause(err).WithRetryable(true).WithComponent("backend")
	}
	if !doc.OK() {
		return "", types.NewError(types.ErrUpstreamError, "ocr service returned an error").WithHTTPStatus(doc.Status).WithRetryable(true).WithComponent("backend")
	}

	var resp ocrResponse
	if err := json.Unmarshal(doc.Body, &resp); err != nil {
		return "", types.NewError(types.ErrProtocol, "ocr response is not json").WithCause(err).WithComponent("backend")
	}
	if resp.Code == "" {
		return "", types.NewError(types.ErrProtocol, "ocr response has no code").WithComponent("backend")
	}
	o.logger.Debug("captcha recognised", zap.Int("length", len(resp.Code)))
	return resp.Code, nil
}
