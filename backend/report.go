package backend

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// 📝 提交上报
// =============================================================================

// Submission 是一次提交的上报文档。checked 与 reported 由下游流程翻转。
type Submission struct {
	Name      string    `bson:"name" json:"name"`
	Email     string    `bson:"email" json:"email"`
	Link      string    `bson:"link,omitempty" json:"link,omitempty"`
	Passport  string    `bson:"psn,omitempty" json:"psn,omitempty"`
	Checked   bool      `bson:"checked" json:"checked"`
	Reported  bool      `bson:"reported" json:"reported"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Reporter 记录成功的提交
type Reporter interface {
	Report(ctx context.Context, s Submission) error
}

// ReportConfig MongoDB 上报配置，URI 为空时退化为日志上报
type ReportConfig struct {
	URI        string        `yaml:"uri" json:"uri" env:"URI"`
	Database   string        `yaml:"database" json:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" json:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// DefaultReportConfig 返回默认上报配置
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		Database:   "formrelay",
		Collection: "reports",
		Timeout:    10 * time.Second,
	}
}

// documentWriter 是 MongoReporter 对集合的最小依赖
type documentWriter interface {
	InsertOne(ctx context.Context, doc any) error
}

type collectionWriter struct {
	coll *mongo.Collection
}

func (w collectionWriter) InsertOne(ctx context.Context, doc any) error {
	_, err := w.coll.InsertOne(ctx, doc)
	return err
}

// MongoReporter 把提交写入 MongoDB 集合
type MongoReporter struct {
	client  *mongo.Client
	writer  documentWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewMongoReporter 连接 MongoDB 并校验连通性
func NewMongoReporter(ctx context.Context, cfg ReportConfig, logger *zap.Logger) (*MongoReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultReportConfig()
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	r := newMongoReporter(collectionWriter{coll: client.Database(cfg.Database).Collection(cfg.Collection)}, cfg.Timeout, logger)
	r.client = client
	r.logger.Info("mongo reporter ready",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))
	return r, nil
}

func newMongoReporter(w documentWriter, timeout time.Duration, logger *zap.Logger) *MongoReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoReporter{
		writer:  w,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "mongo_reporter")),
	}
}

// Report 插入一条提交文档
func (r *MongoReporter) Report(ctx context.Context, s Submission) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.writer.InsertOne(ctx, s); err != nil {
		return types.NewError(types.ErrStorage, "insert submission report").WithCause(err).WithRetryable(true).WithComponent("backend")
	}
	r.logger.Info("submission reported", zap.String("email", s.Email), zap.Bool("has_link", s.Link != ""))
	return nil
}

// Close 断开 MongoDB 连接
func (r *MongoReporter) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

// LogReporter 只把提交写进日志
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter 创建日志上报器
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger.With(zap.String("component", "log_reporter"))}
}

// Report 记录一行日志
func (r *LogReporter) Report(ctx context.Context, s Submission) error {
	r.logger.Info("submission",
		zap.String("name", s.Name),
		zap.String("email", s.Email),
		zap.String("link", s.Link),
		zap.String("passport", s.Passport),
		zap.Time("created_at", s.CreatedAt))
	return nil
}

// NewReporter 根据配置选择 MongoReporter 或 LogReporter
func NewReporter(ctx context.Context, cfg ReportConfig, logger *zap.Logger) (Reporter, error) {
	if cfg.URI == "" {
		return NewLogReporter(logger), nil
	}
	return NewMongoReporter(ctx, cfg, logger)
}
