package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/BaSui01/formrelay/internal/httpx"
)

// Config 协调服务端接口配置
type Config struct {
	// BaseURL 服务端根地址，各接口路径拼接在其后
	BaseURL   string `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	OCRPath   string `yaml:"ocr_path" json:"ocr_path" env:"OCR_PATH"`
	RelayPath string `yaml:"relay_path" json:"relay_path" env:"RELAY_PATH"`
	StagePath string `yaml:"stage_path" json:"stage_path" env:"STAGE_PATH"`
}

// DefaultConfig 返回参考服务端的接口路径
func DefaultConfig() Config {
	return Config{
		OCRPath:   "/g2cd",
		RelayPath: "/co3we",
		StagePath: "/repo",
	}
}

// Endpoint 拼接 BaseURL 与路径
func (c Config) Endpoint(path string) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("backend base url is not configured")
	}
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", c.BaseURL)
	}
	return base.String() + "/" + strings.TrimLeft(path, "/"), nil
}

// Poster 是后端调用所需的 HTTP 客户端子集，*httpx.Client 满足该接口
type Poster interface {
	Get(ctx context.Context, target string) (*httpx.Document, error)
	PostJSON(ctx context.Context, target string, body any) (*httpx.Document, error)
	PostMultipart(ctx context.Context, target string, fields map[string]string, files ...httpx.FilePart) (*httpx.Document, error)
}

var _ Poster = (*httpx.Client)(nil)
