// MockOCR / MockRelay / MockReporter 的后端调用测试模拟实现。
//
// 支持固定响应、错误注入与第 N 次调用后失败。
package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/formrelay/backend"
)

// --- MockOCR ---

// MockOCR 是 backend.OCR 的模拟实现
type MockOCR struct {
	mu sync.Mutex

	code      string
	err       error
	failAfter int
	solveFunc func(ctx context.Context, png []byte, credential string) (string, error)

	calls []OCRCall
}

// OCRCall 记录单次识别调用
type OCRCall struct {
	Image      []byte
	Credential string
}

var _ backend.OCR = (*MockOCR)(nil)

// NewMockOCR 创建返回固定代码的 MockOCR
func NewMockOCR(code string) *MockOCR {
	return &MockOCR{code: code}
}

// WithError 设置返回错误
func (m *MockOCR) WithError(err error) *MockOCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockOCR) WithFailAfter(n int) *MockOCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithSolveFunc 设置自定义识别函数
func (m *MockOCR) WithSolveFunc(fn func(ctx context.Context, png []byte, credential string) (string, error)) *MockOCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solveFunc = fn
	return m
}

// Solve 实现 backend.OCR
func (m *MockOCR) Solve(ctx context.Context, png []byte, credential string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, OCRCall{Image: append([]byte(nil), png...), Credential: credential})
	n := len(m.calls)
	fn, code, err, failAfter := m.solveFunc, m.code, m.err, m.failAfter
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, png, credential)
	}
	if failAfter > 0 && n > failAfter {
		return "", errors.New("mock ocr: fail after limit")
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

// Calls 返回所有调用记录
func (m *MockOCR) Calls() []OCRCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OCRCall(nil), m.calls...)
}

// --- MockRelay ---

// MockRelay 是 backend.Relay 的模拟实现
type MockRelay struct {
	mu       sync.Mutex
	err      error
	messages []backend.RelayMessage
}

var _ backend.Relay = (*MockRelay)(nil)

// NewMockRelay 创建 MockRelay
func NewMockRelay() *MockRelay {
	return &MockRelay{}
}

// WithError 设置返回错误
func (m *MockRelay) WithError(err error) *MockRelay {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Send 实现 backend.Relay
func (m *MockRelay) Send(ctx context.Context, msg backend.RelayMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.err
}

// Messages 返回已发送的消息
func (m *MockRelay) Messages() []backend.RelayMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.RelayMessage(nil), m.messages...)
}

// --- MockReporter ---

// MockReporter 是 backend.Reporter 的模拟实现
type MockReporter struct {
	mu          sync.Mutex
	err         error
	submissions []backend.Submission
}

var _ backend.Reporter = (*MockReporter)(nil)

// NewMockReporter 创建 MockReporter
func NewMockReporter() *MockReporter {
	return &MockReporter{}
}

// WithError 设置返回错误
func (m *MockReporter) WithError(err error) *MockReporter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Report 实现 backend.Reporter
func (m *MockReporter) Report(ctx context.Context, s backend.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, s)
	return m.err
}

// Submissions 返回已上报的提交
func (m *MockReporter) Submissions() []backend.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.Submission(nil), m.submissions...)
}
