package testutils

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/cache"
	"authrisk/internal/config"
	"authrisk/internal/database"
	"authrisk/internal/logger"
	"authrisk/internal/store"
)

// TestConfig 测试配置
type TestConfig struct {
	// UseSQL 使用迁移后的 SQLite 文件库，否则使用内存存储
	UseSQL       bool
	LogLevel     logger.LogLevel
	CacheMaxSize int
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		UseSQL:       false,
		LogLevel:     logger.LevelError, // 测试时减少日志输出
		CacheMaxSize: 1000,
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	App     *config.Config
	DB      *database.DB
	Store   store.Store
	Cache   *cache.MemoryCache
	Logger  logger.Logger
	TempDir string
}

// NewTestSuite 创建测试套件，清理通过 t.Cleanup 注册
func NewTestSuite(t *testing.T, cfg *TestConfig) *TestSuite {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig()
	}
	gin.SetMode(gin.TestMode)

	suite := &TestSuite{
		T:       t,
		Config:  cfg,
		App:     config.Default(),
		TempDir: t.TempDir(),
		Logger: logger.NewLogger(logger.Config{
			Level:  cfg.LogLevel,
			Format: logger.FormatText,
			Output: "discard",
		}),
	}

	if cfg.UseSQL {
		suite.setupSQLStore()
	} else {
		suite.Store = store.NewMemoryStore()
	}

	suite.Cache = cache.NewMemoryCache(cfg.CacheMaxSize)
	t.Cleanup(func() { suite.Cache.Close() })

	return suite
}

func (s *TestSuite) setupSQLStore() {
	db, err := database.NewConnection(&database.Config{
		Driver: database.DialectSQLite,
		Path:   filepath.Join(s.TempDir, "authrisk.db"),
	}, s.Logger)
	require.NoError(s.T, err)
	s.T.Cleanup(func() { db.Close() })

	require.NoError(s.T, database.Migrate(db, s.Logger))

	s.DB = db
	s.Store = store.NewSQLStore(db)
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	path := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// HTTPTestHelper HTTP测试助手
type HTTPTestHelper struct {
	T      *testing.T
	Router http.Handler
	// Headers 每个请求都会带上
	Headers map[string]string
}

// NewHTTPTestHelper 创建HTTP测试助手
func NewHTTPTestHelper(t *testing.T, router http.Handler) *HTTPTestHelper {
	return &HTTPTestHelper{T: t, Router: router, Headers: map[string]string{}}
}

// WithBearer 返回携带 Authorization 头的副本
func (h *HTTPTestHelper) WithBearer(token string) *HTTPTestHelper {
	headers := make(map[string]string, len(h.Headers)+1)
	for k, v := range h.Headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + token
	return &HTTPTestHelper{T: h.T, Router: h.Router, Headers: headers}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil)
}

// POST 发送POST请求
func (h *HTTPTestHelper) POST(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPost, path, body)
}

// PUT 发送PUT请求
func (h *HTTPTestHelper) PUT(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPut, path, body)
}

// DELETE 发送DELETE请求
func (h *HTTPTestHelper) DELETE(path string) *HTTPResponse {
	return h.Request(http.MethodDelete, path, nil)
}

// Request 发送HTTP请求，string/[]byte 原样发送，其他类型编码为JSON
func (h *HTTPTestHelper) Request(method, path string, body interface{}) *HTTPResponse {
	h.T.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewBuffer(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(h.T, err)
		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{T: h.T, Recorder: w}
}

// HTTPResponse HTTP响应
type HTTPResponse struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
}

// Code 返回状态码
func (r *HTTPResponse) Code() int {
	return r.Recorder.Code
}

// Header 返回响应头
func (r *HTTPResponse) Header(key string) string {
	return r.Recorder.Header().Get(key)
}

// AssertStatus 断言状态码
func (r *HTTPResponse) AssertStatus(expected int) *HTTPResponse {
	r.T.Helper()
	assert.Equal(r.T, expected, r.Recorder.Code, r.Recorder.Body.String())
	return r
}

// AssertContains 断言响应包含指定内容
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	r.T.Helper()
	assert.Contains(r.T, r.Recorder.Body.String(), substring)
	return r
}

// JSON 解码响应体
func (r *HTTPResponse) JSON(target interface{}) {
	r.T.Helper()
	require.NoError(r.T, json.Unmarshal(r.Recorder.Body.Bytes(), target), r.Recorder.Body.String())
}

// Data 解码 {"success":..,"data":..} 包装中的 data 字段
func (r *HTTPResponse) Data(target interface{}) {
	r.T.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	r.JSON(&envelope)
	require.NoError(r.T, json.Unmarshal(envelope.Data, target), string(envelope.Data))
}

// ErrorCode 返回错误响应中的 error.code
func (r *HTTPResponse) ErrorCode() string {
	r.T.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	r.JSON(&body)
	return body.Error.Code
}

// String 获取字符串响应
func (r *HTTPResponse) String() string {
	return r.Recorder.Body.String()
}

// Eventually 在超时前轮询条件
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	assert.Eventually(t, condition, timeout, 10*time.Millisecond, message)
}

// SetEnv 设置环境变量（测试结束后自动恢复）
func SetEnv(t *testing.T, key, value string) {
	t.Setenv(key, value)
}
